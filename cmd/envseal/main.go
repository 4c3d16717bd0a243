package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/kenneth/envseal/internal/audit"
	"github.com/kenneth/envseal/internal/config"
	"github.com/kenneth/envseal/internal/envelope"
	"github.com/kenneth/envseal/internal/keyring"
	"github.com/kenneth/envseal/internal/metrics"
	"github.com/kenneth/envseal/internal/tracing"
	"github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
)

var aeadIDs = map[string]byte{
	"AES256-GCM":        envelope.AEADAES256GCM,
	"ChaCha20-Poly1305": envelope.AEADChaCha20Poly1305,
}

var hashIDs = map[string]byte{
	"BLAKE3":   envelope.HashBLAKE3,
	"SHA-256":  envelope.HashSHA256,
	"SHA3-256": envelope.HashSHA3256,
}

var kdfIDs = map[string]byte{
	"PBKDF2-SHA256": envelope.KDFPBKDF2SHA256,
	"Argon2id":      envelope.KDFArgon2id,
	"Scrypt":        envelope.KDFScrypt,
	"HKDF":          envelope.KDFHKDF,
}

var dataTypeIDs = map[string]byte{
	"opaque": envelope.DataTypeOpaque,
	"file":   envelope.DataTypeFile,
	"audio":  envelope.DataTypeAudio,
	"sensor": envelope.DataTypeSensor,
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "keygen":
		err = runKeygen(logger, args)
	case "seal":
		err = runSeal(logger, args)
	case "unseal":
		err = runUnseal(logger, args)
	case "inspect":
		err = runInspect(logger, args)
	case "version":
		fmt.Printf("envseal %s (%s)\n", version, commit)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.WithError(err).Fatal("Command failed")
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `envseal - authenticated streaming envelope tool

Usage:
  envseal keygen  -identity <file> [-public <file>]
  envseal seal    [-config <file>] [-in <file>] [-out <file>] [-peer <file>]
  envseal unseal  [-config <file>] [-in <file>] [-out <file>]
  envseal inspect [-in <file>]
  envseal version

CONFIG_PATH selects the config file when -config is not given.
`)
}

// appContext bundles the pieces every subcommand needs.
type appContext struct {
	cfg      *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	audit    audit.Logger
	shutdown []func()
}

func (a *appContext) close() {
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		a.shutdown[i]()
	}
}

func setup(logger *logrus.Logger, configPath string) (*appContext, error) {
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	app := &appContext{cfg: cfg, logger: logger}

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: cfg.Tracing.ServiceVersion,
			SamplingRatio:  cfg.Tracing.SamplingRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		app.shutdown = append(app.shutdown, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.WithError(err).Warn("Tracer shutdown failed")
			}
		})
	}

	app.metrics = metrics.NewMetrics()
	if cfg.Metrics.Enabled {
		startMetricsServer(app)
	}

	if cfg.Audit.Enabled {
		var writer audit.EventWriter
		if cfg.Audit.LogFile != "" {
			f, err := os.OpenFile(cfg.Audit.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				return nil, fmt.Errorf("failed to open audit log file: %w", err)
			}
			app.shutdown = append(app.shutdown, func() { f.Close() })
			writer = audit.NewJSONLWriter(f)
		}
		app.audit = audit.NewLogger(cfg.Audit.MaxEvents, writer)
	}

	return app, nil
}

func startMetricsServer(app *appContext) {
	router := mux.NewRouter()
	router.Handle("/metrics", app.metrics.Handler()).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")

	server := &http.Server{
		Addr:         app.cfg.Metrics.ListenAddr,
		Handler:      router,
		ReadTimeout:  app.cfg.Metrics.ReadTimeout,
		WriteTimeout: app.cfg.Metrics.WriteTimeout,
	}

	app.metrics.StartSystemMetricsCollector()

	go func() {
		app.logger.WithField("addr", app.cfg.Metrics.ListenAddr).Info("Starting metrics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.WithError(err).Error("Metrics server failed")
		}
	}()

	app.shutdown = append(app.shutdown, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
}

func loadIdentity(app *appContext) (*keyring.Identity, func(), error) {
	path := app.cfg.Keys.IdentityFile
	if path == "" {
		return nil, nil, fmt.Errorf("keys.identity_file is required (or set KEYS_IDENTITY_FILE)")
	}
	identity, err := keyring.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load identity: %w", err)
	}

	if !app.cfg.Keys.WatchReload {
		return identity, func() {}, nil
	}

	watcher, err := keyring.NewWatcher(path, identity, app.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to watch identity file: %w", err)
	}
	watcher.SetOnReloadCallback(func(old, new *keyring.Identity) error {
		app.metrics.RecordIdentityReload()
		if app.audit != nil {
			deviceID := envelope.DeviceIDFromPublic(new.SigningPublicKey())
			app.audit.LogKeyReload(hex.EncodeToString(deviceID[:]), true, nil)
		}
		return nil
	})
	go watcher.Start()
	return watcher.Current(), watcher.Stop, nil
}

func envelopeOptions(cfg *config.Config) (envelope.Options, error) {
	aead, ok := aeadIDs[cfg.Envelope.AEAD]
	if !ok {
		return envelope.Options{}, fmt.Errorf("unknown AEAD algorithm: %s", cfg.Envelope.AEAD)
	}
	hash, ok := hashIDs[cfg.Envelope.Hash]
	if !ok {
		return envelope.Options{}, fmt.Errorf("unknown hash algorithm: %s", cfg.Envelope.Hash)
	}
	kdf, ok := kdfIDs[cfg.Envelope.KDF]
	if !ok {
		return envelope.Options{}, fmt.Errorf("unknown KDF algorithm: %s", cfg.Envelope.KDF)
	}
	dataType, ok := dataTypeIDs[cfg.Envelope.DataType]
	if !ok {
		return envelope.Options{}, fmt.Errorf("unknown data type: %s", cfg.Envelope.DataType)
	}
	return envelope.Options{
		FormatVersion: byte(cfg.Envelope.FormatVersion),
		ChunkSize:     uint32(cfg.Envelope.ChunkSize),
		AEADAlg:       aead,
		SigAlg:        envelope.SigEd25519,
		HashAlg:       hash,
		KDFAlg:        kdf,
		DataType:      dataType,
	}, nil
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

func runKeygen(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("keygen", flag.ExitOnError)
	identityPath := fs.String("identity", "identity.json", "identity file to write")
	publicPath := fs.String("public", "", "optional file for the key-agreement public key")
	fs.Parse(args)

	identity, err := keyring.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := identity.Save(*identityPath); err != nil {
		return err
	}

	keyID := envelope.KeyIDFromPublic(identity.KXPublicKey())
	deviceID := envelope.DeviceIDFromPublic(identity.SigningPublicKey())
	logger.WithFields(logrus.Fields{
		"identity_file": *identityPath,
		"key_id":        hex.EncodeToString(keyID[:]),
		"device_id":     hex.EncodeToString(deviceID[:]),
	}).Info("Identity generated")

	if *publicPath != "" {
		if err := keyring.SavePeerKey(*publicPath, identity.KXPublicKey()); err != nil {
			return err
		}
		logger.WithField("public_file", *publicPath).Info("Public key exported")
	}
	return nil
}

func runSeal(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("seal", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	inPath := fs.String("in", "-", "plaintext input file")
	outPath := fs.String("out", "-", "sealed output file")
	peerPath := fs.String("peer", "", "recipient public key file (overrides config)")
	fs.Parse(args)

	app, err := setup(logger, *configPath)
	if err != nil {
		return err
	}
	defer app.close()

	identity, stopWatch, err := loadIdentity(app)
	if err != nil {
		return err
	}
	defer stopWatch()

	peerFile := *peerPath
	if peerFile == "" {
		peerFile = app.cfg.Keys.PeerKeyFile
	}
	if peerFile == "" {
		return fmt.Errorf("recipient key is required (-peer or keys.peer_key_file)")
	}
	recipientKX, err := keyring.LoadPeerKey(peerFile)
	if err != nil {
		return err
	}

	opts, err := envelopeOptions(app.cfg)
	if err != nil {
		return err
	}
	engine, err := envelope.NewEngine(identity, opts)
	if err != nil {
		return err
	}

	src, err := openInput(*inPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := openOutput(*outPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	keyID := envelope.KeyIDFromPublic(recipientKX)
	_, span := tracing.StartOperation(context.Background(), tracing.Tracer("envseal"), "seal", hex.EncodeToString(keyID[:]))
	defer span.End()

	start := time.Now()
	info, err := engine.Seal(dst, src, recipientKX)
	duration := time.Since(start)

	if app.audit != nil {
		records, bytes := 0, int64(0)
		if err == nil {
			records, bytes = info.Records, info.PlaintextBytes
		}
		app.audit.LogSeal(hex.EncodeToString(keyID[:]), records, bytes, err == nil, err, duration)
	}
	if err != nil {
		app.metrics.RecordError("seal", "envelope")
		return fmt.Errorf("seal failed: %w", err)
	}
	app.metrics.RecordOperation("seal", duration, info.PlaintextBytes, int64(info.Records))

	logger.WithFields(logrus.Fields{
		"records":         info.Records,
		"plaintext_bytes": info.PlaintextBytes,
		"sealed_bytes":    info.SealedBytes,
		"duration":        duration.String(),
	}).Info("Envelope sealed")
	return nil
}

func runUnseal(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("unseal", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	inPath := fs.String("in", "-", "sealed input file")
	outPath := fs.String("out", "-", "plaintext output file")
	fs.Parse(args)

	app, err := setup(logger, *configPath)
	if err != nil {
		return err
	}
	defer app.close()

	identity, stopWatch, err := loadIdentity(app)
	if err != nil {
		return err
	}
	defer stopWatch()

	opts, err := envelopeOptions(app.cfg)
	if err != nil {
		return err
	}
	engine, err := envelope.NewEngine(identity, opts)
	if err != nil {
		return err
	}

	src, err := openInput(*inPath)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := openOutput(*outPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	keyID := envelope.KeyIDFromPublic(identity.KXPublicKey())
	_, span := tracing.StartOperation(context.Background(), tracing.Tracer("envseal"), "unseal", hex.EncodeToString(keyID[:]))
	defer span.End()

	start := time.Now()
	info, err := engine.Unseal(dst, src)
	duration := time.Since(start)

	if app.audit != nil {
		records, bytes, fallback := 0, int64(0), false
		if err == nil {
			records, bytes, fallback = info.Records, info.PlaintextBytes, info.UsedFallback
		}
		app.audit.LogUnseal(hex.EncodeToString(keyID[:]), records, bytes, fallback, err == nil, err, duration)
	}
	if err != nil {
		app.metrics.RecordError("unseal", "envelope")
		return fmt.Errorf("unseal failed: %w", err)
	}
	app.metrics.RecordOperation("unseal", duration, info.PlaintextBytes, int64(info.Records))
	if info.UsedFallback {
		app.metrics.RecordFallbackUnseal()
		logger.Warn("Envelope decrypted through the legacy fallback path")
	}

	logger.WithFields(logrus.Fields{
		"records":         info.Records,
		"plaintext_bytes": info.PlaintextBytes,
		"used_fallback":   info.UsedFallback,
		"duration":        duration.String(),
	}).Info("Envelope unsealed")
	return nil
}

func runInspect(logger *logrus.Logger, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	inPath := fs.String("in", "-", "sealed input file")
	fs.Parse(args)

	src, err := openInput(*inPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := envelope.Inspect(src)
	if err != nil {
		return fmt.Errorf("inspect failed: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}
