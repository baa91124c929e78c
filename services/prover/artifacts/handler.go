// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifacts

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// HandleDownload serves GET /v1/artifacts/:name as an attachment.
func (s *Store) HandleDownload() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		data, entry, err := s.Get(name)
		switch {
		case errors.Is(err, ErrInvalidName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid artifact name"})
			return
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
			return
		case err != nil:
			s.logger.Error("artifact download failed", "name", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read artifact"})
			return
		}

		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", entry.Name))
		c.Header("Cache-Control", "no-store")
		if !entry.ExpiresAt.IsZero() {
			c.Header("X-Artifact-Expires", strconv.FormatInt(entry.ExpiresAt.Unix(), 10))
		}
		c.Data(http.StatusOK, "application/octet-stream", data)
	}
}

// HandleList serves GET /v1/artifacts.
func (s *Store) HandleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		entries, err := s.List()
		if err != nil {
			s.logger.Error("artifact list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list artifacts"})
			return
		}
		if entries == nil {
			entries = []Entry{}
		}
		c.JSON(http.StatusOK, gin.H{"artifacts": entries})
	}
}

// URL returns the download path of name.
func URL(name string) string {
	return "/v1/artifacts/" + name
}
