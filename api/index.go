package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"data_gateway/app"
	"data_gateway/config"
	"data_gateway/logger"
)

var router *gin.Engine

func init() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}
	logger.Init(cfg.LogLevel, "")

	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	gw, err := app.Build(ctx, cfg, nil)
	if err != nil {
		panic("Failed to assemble gateway: " + err.Error())
	}
	// Serverless instances do not keep the scheduler or push loop alive;
	// only the request log writer runs.
	gw.Requests.Start()
	router = gw.Router
}

// Handler is the Vercel serverless function handler
func Handler(w http.ResponseWriter, r *http.Request) {
	router.ServeHTTP(w, r)
}
