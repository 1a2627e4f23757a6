package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avrec/avrec/internal/app"
	"github.com/avrec/avrec/internal/config"
)

func SetupRouter(cfg *config.Config, svc *app.Service) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.POST("/offer", func(c *gin.Context) {
		var offer webrtc.SessionDescription
		if err := c.ShouldBindJSON(&offer); err != nil || offer.SDP == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed session description"})
			return
		}

		answer, sess, err := svc.HandleOffer(offer)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("offer rejected")
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		log.Info().Str("module", "adapters.http").Str("sid", string(sess.ID)).Msg("answer sent")
		c.JSON(http.StatusOK, answer)
	})

	return r
}
