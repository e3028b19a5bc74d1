// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all pipeline routes with the router group.
//
// Description:
//
//	Registers the /v1/pipeline/* endpoints. The router group should
//	already have any required middleware applied.
//
// Endpoints:
//
//	GET  /v1/pipeline/health - Health check
//	GET  /v1/pipeline/capabilities - List registered tool capabilities
//	POST /v1/pipeline/paths - Find transformation paths between types
//	POST /v1/pipeline/validate - Validate a tool chain
//	POST /v1/pipeline/runs - Execute a plan
//	GET  /v1/pipeline/runs - List persisted run ids
//	GET  /v1/pipeline/runs/:id/trace - Fetch a run's uncertainty trace
//
// Example:
//
//	handlers := pipeline.NewHandlers(manager).WithTraceStore(store)
//
//	v1 := router.Group("/v1")
//	pipeline.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	p := rg.Group("/pipeline")
	{
		p.GET("/health", handlers.HandleHealth)
		p.GET("/capabilities", handlers.HandleCapabilities)

		p.POST("/paths", handlers.HandlePaths)
		p.POST("/validate", handlers.HandleValidate)

		p.POST("/runs", handlers.HandleRun)
		p.GET("/runs", handlers.HandleListRuns)
		p.GET("/runs/:id/trace", handlers.HandleGetTrace)
	}
}
