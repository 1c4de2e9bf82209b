package cmd

import (
	"context"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/controller"
	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/notify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the verification HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		var observers []controller.Observer
		if cfg.MQTT.Broker != "" {
			publisher, err := notify.Dial(notify.Config{
				Broker:   cfg.MQTT.Broker,
				Topic:    cfg.MQTT.Topic,
				ClientID: cfg.MQTT.ClientID,
				Username: cfg.MQTT.Username,
				Password: cfg.MQTT.Password,
			}, logger)
			if err != nil {
				return err
			}
			go func() { _ = publisher.Run(ctx) }()
			observers = append(observers, publisher)
		}

		a, err := newApp(ctx, cfg, logger, observers...)
		if err != nil {
			return err
		}
		defer a.Close()

		refBytes, err := a.prepare(ctx, cfg.Model.URI, cfg.Match.ReferenceURI)
		if err != nil {
			logger.Error("startup failed", logging.ErrorFields(err)...)
			return err
		}
		if refBytes != nil {
			if _, err := a.ctrl.CaptureReference(ctx, refBytes); err != nil {
				logger.Warn("startup reference not captured",
					zap.String("uri", cfg.Match.ReferenceURI),
					zap.String("failure", string(face.Classify(err))),
					zap.Error(err),
				)
			}
		}

		r := gin.Default()
		r.MaxMultipartMemory = handlers.MaxUploadSize
		r.Use(handlers.CORS(cfg.HTTP.CORSOrigins))
		authMiddleware := auth.JWTMiddleware(auth.Config{Secret: cfg.Auth.Secret, Audience: cfg.Auth.Audience}, logger)
		handlers.RegisterRoutes(r, a.ctrl, authMiddleware, logger)

		server := &http.Server{
			Addr:    cfg.HTTP.Addr,
			Handler: r,
			BaseContext: func(net.Listener) context.Context {
				return handlers.WithSessionContext(context.Background(), ctx)
			},
		}

		logger.Info("face-verify API listening",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Float64("threshold", a.ctrl.Threshold()),
			zap.String("state", string(a.ctrl.State())),
		)
		return serveHTTP(ctx, server, cfg.HTTP.ShutdownTimeout, logger, nil)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
