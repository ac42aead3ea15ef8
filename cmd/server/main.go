package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"gopkg.in/yaml.v3"

	"github.com/codebuildervaibhav/voicevault/internal/cleanup"
	"github.com/codebuildervaibhav/voicevault/internal/gateway"
	"github.com/codebuildervaibhav/voicevault/internal/handlers"
	"github.com/codebuildervaibhav/voicevault/internal/notify"
	"github.com/codebuildervaibhav/voicevault/internal/pipeline"
	"github.com/codebuildervaibhav/voicevault/internal/similarity"
	"github.com/codebuildervaibhav/voicevault/internal/speakers"
	"github.com/codebuildervaibhav/voicevault/internal/storage"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int    `yaml:"port"`
		Host string `yaml:"host"`
	} `yaml:"server"`

	Gateway struct {
		TranscriberURL string `yaml:"transcriber_url"`
		DiarizerURL    string `yaml:"diarizer_url"`
		TimeoutMinutes int    `yaml:"timeout_minutes"`
	} `yaml:"gateway"`

	Workers struct {
		Count    int `yaml:"count"`
		GPUSlots int `yaml:"gpu_slots"`
		CPUSlots int `yaml:"cpu_slots"`
	} `yaml:"workers"`

	Pipeline struct {
		MaxRetries              int    `yaml:"max_retries"`
		BackoffBaseSeconds      int    `yaml:"backoff_base_seconds"`
		BackoffCapSeconds       int    `yaml:"backoff_cap_seconds"`
		HeartbeatStaleMinutes   int    `yaml:"heartbeat_stale_minutes"`
		ReconcileIntervalSecond int    `yaml:"reconcile_interval_seconds"`
		Language                string `yaml:"language"`
		MinSpeakers             int    `yaml:"min_speakers"`
		MaxSpeakers             int    `yaml:"max_speakers"`
	} `yaml:"pipeline"`

	Resolution struct {
		AutoPropagateThreshold float64 `yaml:"auto_propagate_threshold"`
		SuggestThreshold       float64 `yaml:"suggest_threshold"`
		MaxCandidates          int     `yaml:"max_candidates"`
		MaxSuggestions         int     `yaml:"max_suggestions"`
	} `yaml:"resolution"`

	Storage struct {
		TempDir   string `yaml:"temp_dir"`
		MediaDir  string `yaml:"media_dir"`
		OutputDir string `yaml:"output_dir"`
		Database  string `yaml:"database"`
	} `yaml:"storage"`

	Cleanup struct {
		IntervalMinutes int `yaml:"interval_minutes"`
		MaxAgeHours     int `yaml:"max_age_hours"`
	} `yaml:"cleanup"`

	GoogleDrive struct {
		CredentialsFile string `yaml:"credentials_file"`
		TokenFile       string `yaml:"token_file"`
		FolderName      string `yaml:"folder_name"`
	} `yaml:"google_drive"`

	Limits struct {
		MaxFileSizeMB int `yaml:"max_file_size_mb"`
	} `yaml:"limits"`
}

func main() {
	config, err := loadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := cleanup.EnsureDirs(config.Storage.TempDir, config.Storage.MediaDir,
		config.Storage.OutputDir); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	// Custom logger setup
	logBuffer := &LogBuffer{
		lines: make([]string, 0, 1000),
	}
	multiWriter := io.MultiWriter(os.Stdout, logBuffer)
	log.SetOutput(multiWriter)

	log.Println("Initializing components...")

	db, err := storage.NewDB(config.Storage.Database)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	localStorage := storage.NewLocalStorage(config.Storage.MediaDir, config.Storage.OutputDir)

	// Google Drive archival (optional - may fail if credentials not set up)
	var driveClient *storage.DriveClient
	if _, err := os.Stat(config.GoogleDrive.CredentialsFile); err == nil {
		driveClient, err = storage.NewDriveClient(
			config.GoogleDrive.CredentialsFile,
			config.GoogleDrive.TokenFile,
			config.GoogleDrive.FolderName,
		)
		if err != nil {
			log.Printf("WARNING: Google Drive not available: %v", err)
			log.Println("Transcripts will only be saved locally")
			driveClient = nil
		} else {
			log.Println("Google Drive archival enabled")
		}
	} else {
		log.Println("Google Drive credentials not found - saving locally only")
	}

	// Acoustic analysis services
	gw := gateway.NewHTTPGateway(
		config.Gateway.TranscriberURL,
		config.Gateway.DiarizerURL,
		time.Duration(config.Gateway.TimeoutMinutes)*time.Minute,
	)

	// Speaker identity engine, with the similarity index warmed from the
	// stored embeddings
	engine := speakers.NewEngine(db, similarity.NewMemory(), speakers.Config{
		AutoPropagateThreshold: config.Resolution.AutoPropagateThreshold,
		SuggestThreshold:       config.Resolution.SuggestThreshold,
		MaxCandidates:          config.Resolution.MaxCandidates,
		MaxSuggestions:         config.Resolution.MaxSuggestions,
	})
	if err := engine.WarmIndex(); err != nil {
		log.Fatalf("Failed to warm similarity index: %v", err)
	}

	bus := notify.NewBus(500)

	coordinator := pipeline.NewCoordinator(db, gw, engine, bus, localStorage, driveClient,
		pipeline.Config{
			Workers:           config.Workers.Count,
			GPUSlots:          config.Workers.GPUSlots,
			CPUSlots:          config.Workers.CPUSlots,
			MaxRetries:        config.Pipeline.MaxRetries,
			BackoffBase:       time.Duration(config.Pipeline.BackoffBaseSeconds) * time.Second,
			BackoffCap:        time.Duration(config.Pipeline.BackoffCapSeconds) * time.Second,
			HeartbeatStale:    time.Duration(config.Pipeline.HeartbeatStaleMinutes) * time.Minute,
			ReconcileInterval: time.Duration(config.Pipeline.ReconcileIntervalSecond) * time.Second,
			TempDir:           config.Storage.TempDir,
			Language:          config.Pipeline.Language,
			MinSpeakers:       config.Pipeline.MinSpeakers,
			MaxSpeakers:       config.Pipeline.MaxSpeakers,
		})
	coordinator.Start()
	defer coordinator.Stop()

	sweeper := cleanup.NewSweeper(
		[]string{config.Storage.TempDir},
		time.Duration(config.Cleanup.IntervalMinutes)*time.Minute,
		time.Duration(config.Cleanup.MaxAgeHours)*time.Hour,
	)
	sweeper.Start()
	defer sweeper.Stop()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: config.Limits.MaxFileSizeMB * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-User-ID",
	}))

	// Handlers
	ingestor := handlers.NewIngestor(db, coordinator, config.Storage.TempDir)
	uploadHandler := handlers.NewUploadHandler(ingestor, config.Limits.MaxFileSizeMB)
	gdriveHandler := handlers.NewGDriveHandler(ingestor)
	youtubeHandler := handlers.NewYouTubeHandler(ingestor)
	streamHandler := handlers.NewStreamHandler(ingestor)
	jobHandler := handlers.NewJobHandler(db, coordinator)
	speakerHandler := handlers.NewSpeakerHandler(engine)
	eventsHandler := handlers.NewEventsHandler(bus)

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	app.Post("/upload", uploadHandler.Handle)
	app.Post("/gdrive", gdriveHandler.Handle)
	app.Post("/youtube", youtubeHandler.Handle)
	app.Get("/ws/stream", websocket.New(streamHandler.Handle))

	app.Get("/jobs/:id", jobHandler.Status)
	app.Post("/jobs/:id/cancel", jobHandler.Cancel)
	app.Post("/files/:id/retry", jobHandler.Retry)
	app.Get("/files/:id/transcript", jobHandler.Transcript)

	app.Get("/speakers/:id/suggestions", speakerHandler.Suggestions)
	app.Post("/speakers/:id/suggestions/:sid/accept", speakerHandler.AcceptSuggestion)
	app.Post("/speakers/:id/suggestions/:sid/reject", speakerHandler.RejectSuggestion)
	app.Post("/speakers/:id/name", speakerHandler.Name)
	app.Post("/speakers/merge", speakerHandler.Merge)
	app.Post("/segments/:id/speaker", speakerHandler.Reassign)

	app.Get("/profiles", speakerHandler.Profiles)
	app.Post("/profiles/:id/rename", speakerHandler.RenameProfile)
	app.Delete("/profiles/:id", speakerHandler.DeleteProfile)

	app.Get("/events", eventsHandler.Poll)
	app.Get("/ws/events", websocket.New(eventsHandler.Stream))

	app.Get("/logs", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"logs": logBuffer.GetLogs(),
		})
	})

	// Start server
	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	log.Printf("Server starting on %s", addr)

	// Graceful shutdown
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down gracefully...")
		app.Shutdown()
	}()

	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// LogBuffer captures logs in memory
type LogBuffer struct {
	lines []string
	mu    sync.Mutex
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.lines = append(lb.lines, string(p))

	// Keep last 1000 lines
	if len(lb.lines) > 1000 {
		lb.lines = lb.lines[len(lb.lines)-1000:]
	}

	return len(p), nil
}

func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}

// loadConfig loads configuration from YAML file
func loadConfig(path string) (*Config, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
