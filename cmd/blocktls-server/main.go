package main

import (
	"encoding/hex"
	"flag"
	"net"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"

	"github.com/tlsengine/blocktls"
	"github.com/tlsengine/blocktls/loopback"
)

const defaultPSKHex = "7368617265642064656d6f206b6579"

// config.toml key mapping for the echo server.
type fileConfig struct {
	Listen   string `toml:"listen"`
	PSK      string `toml:"psk"`
	MaxConns int    `toml:"max_conns"`
	Verbose  bool   `toml:"verbose"`
}

var (
	listen     string
	configPath string
	pskHex     string
	maxConns   int
	verbose    bool
)

func main() {
	flag.StringVar(&listen, "listen", "localhost:4430", "listen address")
	flag.StringVar(&configPath, "config", "", "optional TOML config file")
	flag.StringVar(&pskHex, "psk", defaultPSKHex, "pre-shared key, hex encoded")
	flag.IntVar(&maxConns, "max-conns", 16, "concurrent connection limit")
	flag.BoolVar(&verbose, "verbose", false, "debug logging")
	flag.Parse()

	if configPath != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(configPath, &raw)
		if err != nil {
			errLog := zerolog.New(os.Stderr)
			errLog.Fatal().Err(err).Msg("loading config")
		}
		if meta.IsDefined("listen") {
			listen = raw.Listen
		}
		if meta.IsDefined("psk") {
			pskHex = raw.PSK
		}
		if meta.IsDefined("max_conns") {
			maxConns = raw.MaxConns
		}
		if meta.IsDefined("verbose") {
			verbose = raw.Verbose
		}
	}

	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Str("app", "blocktls-server").Logger()
	if !verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	psk, err := hex.DecodeString(pskHex)
	if err != nil {
		log.Fatal().Err(err).Msg("decoding psk")
	}

	inner, err := net.Listen("tcp", listen)
	if err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	listener := netutil.LimitListener(inner, maxConns)
	log.Info().Str("addr", listen).Int("max_conns", maxConns).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Error().Err(err).Msg("accept")
			return
		}
		log.Info().Stringer("remote", conn.RemoteAddr()).Msg("accepted")
		go handleClient(conn, psk, log.With().Stringer("remote", conn.RemoteAddr()).Logger())
	}
}

// handleClient runs the handshake and then echoes decrypted application data
// back under the session keys until the peer closes or the connection drops.
func handleClient(conn net.Conn, psk []byte, log zerolog.Logger) {
	defer conn.Close()

	engine := loopback.New(loopback.RoleServer, loopback.Config{PSK: psk})
	sess := blocktls.NewSession(engine, conn, &blocktls.Config{Logger: &log})

	finished, err := sess.Handshake()
	if err != nil {
		log.Error().Err(err).Msg("handshake")
		return
	}
	if !finished {
		log.Warn().Msg("peer went away during the handshake")
		return
	}
	log.Info().Msg("session established")

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			log.Info().Err(err).Msg("connection done")
			return
		}

		plaintext, consumed, err := sess.Decode(buf[:n])
		if err != nil {
			log.Error().Err(err).Msg("decode")
			return
		}
		if sess.InboundClosed() {
			log.Info().Int("trailing", n-consumed).Msg("peer closed the session")
			if record, err := engine.CloseOutbound(); err == nil {
				conn.Write(record)
			}
			return
		}
		if len(plaintext) == 0 {
			continue
		}
		log.Debug().Int("bytes", len(plaintext)).Msg("echoing")

		ciphertext, err := sess.Encrypt(plaintext)
		if err != nil {
			log.Error().Err(err).Msg("encrypt")
			return
		}
		if _, err := conn.Write(ciphertext); err != nil {
			log.Error().Err(err).Msg("write")
			return
		}
	}
}
