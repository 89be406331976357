package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/tlsengine/blocktls"
	"github.com/tlsengine/blocktls/loopback"
)

const defaultPSKHex = "7368617265642064656d6f206b6579"

// config.toml key mapping for the echo client.
type fileConfig struct {
	Addr    string `toml:"addr"`
	PSK     string `toml:"psk"`
	Message string `toml:"message"`
	Verbose bool   `toml:"verbose"`
}

var (
	addr       string
	configPath string
	pskHex     string
	message    string
	rekey      bool
	verbose    bool
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:4430", "server address")
	flag.StringVar(&configPath, "config", "", "optional TOML config file")
	flag.StringVar(&pskHex, "psk", defaultPSKHex, "pre-shared key, hex encoded")
	flag.StringVar(&message, "message", "hello over blocktls", "message to echo")
	flag.BoolVar(&rekey, "rekey", false, "rekey before sending the message a second time")
	flag.BoolVar(&verbose, "verbose", false, "debug logging")
	flag.Parse()

	if configPath != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(configPath, &raw)
		if err != nil {
			errLog := zerolog.New(os.Stderr)
			errLog.Fatal().Err(err).Msg("loading config")
		}
		if meta.IsDefined("addr") {
			addr = raw.Addr
		}
		if meta.IsDefined("psk") {
			pskHex = raw.PSK
		}
		if meta.IsDefined("message") {
			message = raw.Message
		}
		if meta.IsDefined("verbose") {
			verbose = raw.Verbose
		}
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("app", "blocktls-client").Logger()
	if !verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	psk, err := hex.DecodeString(pskHex)
	if err != nil {
		log.Fatal().Err(err).Msg("decoding psk")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer conn.Close()

	engine := loopback.New(loopback.RoleClient, loopback.Config{PSK: psk})
	notifier := blocktls.NewCompletion()
	sess := blocktls.NewSession(engine, conn, &blocktls.Config{
		Logger:              &log,
		OnHandshakeComplete: notifier,
	})

	finished, err := sess.Handshake()
	if err != nil {
		log.Fatal().Err(err).Msg("handshake")
	}
	if !finished {
		log.Fatal().Msg("server closed during the handshake")
	}
	<-notifier.Done()
	log.Info().Msg("session established")

	if err := roundTrip(conn, sess, message); err != nil {
		log.Fatal().Err(err).Msg("echo")
	}

	if rekey {
		// A fresh key schedule, negotiated transparently inside the next
		// Decode on the server's reply.
		if err := engine.RequestRekey(); err != nil {
			log.Fatal().Err(err).Msg("rekey")
		}
		log.Info().Msg("rekey requested")
		if err := roundTrip(conn, sess, message); err != nil {
			log.Fatal().Err(err).Msg("echo after rekey")
		}
	}

	record, err := engine.CloseOutbound()
	if err != nil {
		log.Fatal().Err(err).Msg("close")
	}
	if _, err := conn.Write(record); err != nil {
		log.Fatal().Err(err).Msg("sending close_notify")
	}
}

func roundTrip(conn net.Conn, sess *blocktls.Session, message string) error {
	ciphertext, err := sess.Encrypt([]byte(message))
	if err != nil {
		return err
	}
	if _, err := conn.Write(ciphertext); err != nil {
		return err
	}

	buf := make([]byte, 32*1024)
	var reply []byte
	for len(reply) < len(message) {
		n, err := conn.Read(buf)
		if err != nil {
			return err
		}
		plaintext, _, err := sess.Decode(buf[:n])
		if err != nil {
			return err
		}
		reply = append(reply, plaintext...)
	}

	fmt.Println(string(reply))
	return nil
}
