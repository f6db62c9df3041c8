// Command ringchat-server runs a single node of the replicated chat
// cluster: discovery, ring membership, leader election, failure
// detection, and message replication, per spec.md.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/krezaiguia-a11y/Ring-chat/internal/ringchat"
	"github.com/krezaiguia-a11y/Ring-chat/internal/server"
)

func main() {
	id := flag.String("id", "", "node identity (default server-<port>)")
	port := flag.Int("port", ringchat.DefaultPort, "TCP listen port")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(*id, *port, log); err != nil {
		log.WithError(err).Error("fatal error")
		os.Exit(1)
	}
}

func run(id string, port int, log *logrus.Logger) error {
	ip, err := ringchat.LocalIP()
	if err != nil {
		return errors.Wrap(err, "determine local ip")
	}
	if id == "" {
		id = ringchat.GenerateID(port)
	}

	entry := log.WithField("id", id)
	s := server.New(id, ip, port, entry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.Start(ctx); err != nil {
		return errors.Wrap(err, "start server")
	}

	<-ctx.Done()
	entry.Info("shutting down")
	s.Shutdown()
	return nil
}
