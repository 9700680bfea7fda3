package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/sp34kn0w/sp34kn0w/internal/audio"
	"github.com/sp34kn0w/sp34kn0w/internal/config"
	"github.com/sp34kn0w/sp34kn0w/internal/metrics"
	"github.com/sp34kn0w/sp34kn0w/internal/recognition"
	"github.com/sp34kn0w/sp34kn0w/internal/session"
	"github.com/sp34kn0w/sp34kn0w/internal/store"
	"github.com/sp34kn0w/sp34kn0w/internal/ui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    = flag.String("config", "config.yaml", "Path to configuration file")
		language      = flag.String("language", "", "Transcription language (code or name, e.g. it, english)")
		sessionName   = flag.String("session", "", "Session name (default: timestamp)")
		device        = flag.String("device", "", "Input device by index or name substring")
		model         = flag.String("model", "", "Recognition model (default: per-language)")
		translate     = flag.Bool("translate", false, "Request English translation alongside the transcript")
		listDevices   = flag.Bool("list-devices", false, "List input devices and exit")
		listSessions  = flag.Bool("list-sessions", false, "List saved sessions and exit")
		listLanguages = flag.Bool("list-languages", false, "List supported languages and exit")
		checkMic      = flag.Bool("check-mic", false, "Probe the microphone level before starting")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, *language, *sessionName, *device, *model, *translate)

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		return err
	}

	if *listLanguages {
		printLanguages()
		return nil
	}

	if *listSessions {
		return printSessions(cfg.Session.OutputDir)
	}

	if err := audio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audio subsystem: %w", err)
	}
	defer audio.Terminate()

	devices, err := audio.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to enumerate input devices: %w", err)
	}

	if *listDevices {
		printDevices(devices)
		return nil
	}

	if key := os.Getenv("DEEPGRAM_API_KEY"); key != "" {
		cfg.Recognition.APIKey = key
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	langCode, ok := config.ResolveLanguage(cfg.Session.Language)
	if !ok {
		logger.Warn("Unsupported language, using default",
			slog.String("language", cfg.Session.Language),
			slog.String("default", config.DefaultLanguage),
			slog.String("supported", supportedLanguageList()),
		)
		langCode = config.DefaultLanguage
	}
	modelName := cfg.Session.Model
	if modelName == "" {
		modelName = config.ModelForLanguage(langCode)
	}

	dev, err := pickDevice(devices, cfg.Session.Device, logger)
	if err != nil {
		return err
	}

	if cfg.Session.Name == "" {
		cfg.Session.Name = time.Now().Format("20060102_150405")
	}

	console := ui.NewConsole(cfg.Session.Timestamps)

	if *checkMic {
		if err := probeMicrophone(dev, cfg.Audio, console); err != nil {
			return err
		}
	}

	sessionMetrics := metrics.NewSession(cfg.Session.Name)
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, sessionMetrics, logger)
	}

	file, err := store.NewFile(cfg.Session.OutputDir, cfg.Session.Name, store.Meta{
		Language:       config.SupportedLanguages[langCode],
		Model:          modelName,
		DeviceName:     dev.Name,
		Translate:      cfg.Session.Translate,
		ShowTimestamps: cfg.Session.Timestamps,
	}, logger)
	if err != nil {
		return err
	}

	if cfg.Redis.Enabled {
		mirror, err := store.NewRedisMirror(context.Background(),
			cfg.Redis.Address, cfg.Redis.Prefix, cfg.Session.Name, cfg.Redis.GetTTL())
		if err != nil {
			logger.Warn("Redis mirror unavailable, continuing without it",
				slog.String("error", err.Error()))
		} else {
			file.SetMirror(mirror)
			defer mirror.Close()
		}
	}

	channel := recognition.NewDeepgram(recognition.Options{
		URL:            cfg.Recognition.URL,
		APIKey:         cfg.Recognition.APIKey,
		Language:       langCode,
		Model:          modelName,
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		Translate:      cfg.Session.Translate,
		UtteranceEndMs: cfg.Recognition.UtteranceEndMs,
		OpenTimeout:    cfg.Recognition.GetOpenTimeout(),
		CloseTimeout:   cfg.Recognition.GetCloseTimeout(),
		SendBufferSize: cfg.Recognition.SendBufferSize,
	}, logger)

	engine := session.New(session.Config{
		Name:       cfg.Session.Name,
		Language:   config.SupportedLanguages[langCode],
		Model:      modelName,
		Translate:  cfg.Session.Translate,
		DeviceName: dev.Name,
	}, session.Deps{
		Channel: channel,
		OpenSource: func() (session.Source, error) {
			return audio.Open(dev, cfg.Audio.SampleRate, cfg.Audio.FramesPerBuffer)
		},
		Store:   file,
		UI:      console,
		Logger:  logger,
		Metrics: sessionMetrics,
	})

	console.Message(fmt.Sprintf("Session: %s | Language: %s | Model: %s | Device: %s",
		cfg.Session.Name, config.SupportedLanguages[langCode], modelName, dev.Name))
	console.Message("Commands: p=pause, r=resume, s=stop (or Ctrl+C)")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Recognition.GetOpenTimeout())
	err = engine.Start(ctx)
	cancel()
	if err != nil {
		<-engine.Done()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Stop()
	}()

	go ui.ReadCommands(os.Stdin, engine, console)

	<-engine.Done()

	if err := engine.Err(); err != nil {
		return err
	}
	if len(engine.Entries()) > 0 {
		console.Message(fmt.Sprintf("Transcript saved to %s", file.Path()))
	}
	return nil
}

// applyFlags overlays command-line flags on the loaded configuration.
func applyFlags(cfg *config.Config, language, sessionName, device, model string, translate bool) {
	if language != "" {
		cfg.Session.Language = language
	}
	if sessionName != "" {
		cfg.Session.Name = sessionName
	}
	if device != "" {
		cfg.Session.Device = device
	}
	if model != "" {
		cfg.Session.Model = model
	}
	if translate {
		cfg.Session.Translate = true
	}
}

// pickDevice resolves the configured selector, falling back to the system
// default input device with a warning when the selector matches nothing.
func pickDevice(devices []audio.Device, selector string, logger *slog.Logger) (audio.Device, error) {
	if selector != "" {
		if dev, ok := audio.Resolve(devices, selector); ok {
			return dev, nil
		}
		logger.Warn("No input device matches selector, using default",
			slog.String("selector", selector))
	}
	dev, ok := audio.DefaultDevice(devices)
	if !ok {
		return audio.Device{}, fmt.Errorf("no input devices available")
	}
	return dev, nil
}

// probeMicrophone samples the device briefly and warns when the captured
// level suggests the microphone is muted or disconnected.
func probeMicrophone(dev audio.Device, audioCfg config.AudioConfig, console *ui.Console) error {
	console.Message(fmt.Sprintf("Checking microphone level on %q (speak now)...", dev.Name))

	src, err := audio.Open(dev, audioCfg.SampleRate, audioCfg.FramesPerBuffer)
	if err != nil {
		return fmt.Errorf("failed to open device for level check: %w", err)
	}
	defer src.Close()

	report, err := src.ProbeLevel(3 * time.Second)
	if err != nil {
		return fmt.Errorf("microphone level check failed: %w", err)
	}

	if report.IsLow {
		console.Error(fmt.Sprintf("Very low input level (%.1f%% peak) - the microphone may be muted", report.PeakPercent))
	} else {
		console.Message(fmt.Sprintf("Microphone OK (%.1f%% peak)", report.PeakPercent))
	}
	return nil
}

func printDevices(devices []audio.Device) {
	if len(devices) == 0 {
		fmt.Println("No input devices found")
		return
	}
	fmt.Println("Available input devices:")
	for _, d := range devices {
		marker := " "
		if d.IsDefault {
			marker = "*"
		}
		fmt.Printf("%s [%d] %s (%d ch)\n", marker, d.Index, d.Name, d.Channels)
	}
}

func printLanguages() {
	codes := make([]string, 0, len(config.SupportedLanguages))
	for code := range config.SupportedLanguages {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	fmt.Println("Supported languages:")
	for _, code := range codes {
		fmt.Printf("  %s  %-10s (model: %s)\n", code, config.SupportedLanguages[code], config.ModelForLanguage(code))
	}
}

func printSessions(outputDir string) error {
	names, err := store.ListSessions(outputDir)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No saved sessions")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func supportedLanguageList() string {
	codes := make([]string, 0, len(config.SupportedLanguages))
	for code, name := range config.SupportedLanguages {
		codes = append(codes, fmt.Sprintf("%s=%s", code, name))
	}
	return strings.Join(codes, ", ")
}

func serveMetrics(address string, m *metrics.Session, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("Metrics endpoint listening", slog.String("address", address))
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Warn("Metrics server stopped", slog.String("error", err.Error()))
	}
}

// initLogger builds the application logger from configuration.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var out *os.File
	switch cfg.Output {
	case "stdout":
		out = os.Stdout
	case "stderr", "":
		out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), nil
}
