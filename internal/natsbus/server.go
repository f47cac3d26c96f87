// Package natsbus embeds a NATS server that carries swarmd's event stream.
package natsbus

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/mtzanidakis/swarmd/internal/config"
)

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

// New starts the embedded server. A negative port keeps the server
// in-process only; clients then connect without a TCP listener. JetStream
// is enabled when a data directory is configured.
func New(cfg config.NATSConfig) (*Bus, error) {
	opts := &natsserver.Options{
		ServerName: "swarmd",
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
		DontListen: cfg.Port < 0,
	}
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create nats data dir: %w", err)
		}
		opts.JetStream = true
		opts.StoreDir = cfg.DataDir
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// InProcess reports whether the server has no network listener.
func (b *Bus) InProcess() bool {
	return b.cfg.Port < 0
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
