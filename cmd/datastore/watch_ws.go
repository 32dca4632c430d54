// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gdadkins/discord-llm-bot-sub008/pkg/datastore"
)

const watchWriteWait = 5 * time.Second

// watchUpgrader keeps the default same-origin check.
var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// watchHello is the first message on a /watch connection.
type watchHello struct {
	Store string `json:"store"`
	Path  string `json:"path"`
}

// watchHandler streams ChangeEvents for ?store=NAME over a websocket until
// the client disconnects.
func watchHandler(stores map[string]*datastore.Store[any], logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Query("store")
		st, ok := stores[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown store " + name})
			return
		}

		ws, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer ws.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		// The client only sends control frames; a read error means it left.
		go func() {
			defer cancel()
			for {
				if _, _, err := ws.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(v any) error {
			_ = ws.SetWriteDeadline(time.Now().Add(watchWriteWait))
			return ws.WriteJSON(v)
		}
		if err := send(watchHello{Store: name, Path: st.Path()}); err != nil {
			return
		}
		logger.Info("watch client connected", slog.String("store", name))

		err = st.Watch(ctx, func(ev datastore.ChangeEvent) {
			if err := send(ev); err != nil {
				cancel()
			}
		})
		if err != nil {
			logger.Warn("watch failed", slog.String("store", name), slog.String("error", err.Error()))
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
				time.Now().Add(watchWriteWait))
			return
		}
		logger.Info("watch client disconnected", slog.String("store", name))
	}
}
