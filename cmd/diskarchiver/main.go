package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"diskarchiver/internal/catalog"
	"diskarchiver/internal/config"
	"diskarchiver/internal/events"
	"diskarchiver/internal/inventory"
	"diskarchiver/internal/janitor"
	"diskarchiver/internal/lifecycle"
	"diskarchiver/internal/mailer"
	"diskarchiver/internal/placement"
	"diskarchiver/internal/status"
	"diskarchiver/internal/worker"
)

func main() {
	configPath := flag.String("config", "/etc/disk_archiver/config.toml", "path to TOML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(1)
	}
	if err := cfg.CheckDirectories(); err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(1)
	}

	contacts, err := loadContacts(cfg.Archiver.ContactsJSONPath)
	if err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(1)
	}
	archives, err := loadDiskArchives(cfg.Archiver.DiskArchivesJSONPath, contacts)
	if err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(1)
	}
	dataStreams, err := loadDataStreams(cfg.Archiver.DataStreamsJSONPath)
	if err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(1)
	}

	gateway, err := catalog.Open(cfg.Database.DatabaseName)
	if err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(2)
	}
	defer gateway.Close()

	bus := events.NewBus()

	mailClient := mailer.NewShoutrrrMailer(mailer.SMTPConfig{
		Enabled:  cfg.Email.Enabled,
		From:     cfg.Email.From,
		Host:     cfg.Email.Host,
		Port:     cfg.Email.Port,
		Username: cfg.Email.Username,
		Password: cfg.Email.Password,
		ReplyTo:  cfg.Email.ReplyTo,
	})
	archiveList := make([]catalog.DiskArchive, 0, len(archives))
	for _, a := range archives {
		archiveList = append(archiveList, a)
	}
	dispatcher := mailer.NewDispatcher(mailClient, archiveList)
	dispatcher.Subscribe(bus)

	scanner := &inventory.Scanner{
		MountPaths:     cfg.Archiver.MountPaths,
		MinimumDiskAge: time.Duration(cfg.Archiver.MinimumDiskAgeSeconds) * time.Second,
		HostID:         cfg.Archiver.HostID,
		Catalog:        gateway,
		Bus:            bus,
	}

	lc := &lifecycle.Lifecycle{Catalog: gateway, Mailer: mailClient, Bus: bus}

	engine := &placement.Engine{
		Config: placement.Config{
			InboxDir:           cfg.Archiver.InboxDir,
			WorkDir:            cfg.Archiver.WorkDir,
			CacheDir:           cfg.Archiver.CacheDir,
			ProblemFilesDir:    cfg.Archiver.ProblemFilesDir,
			ArchiveHeadroom:    cfg.Archiver.ArchiveHeadroom,
			KeyPrefix:          cfg.Archiver.KeyPrefix,
			ReclaimWork:        cfg.Archiver.ReclaimWork,
			CloseSemaphoreName: cfg.Archiver.CloseSemaphoreName,
		},
		Catalog:     gateway,
		Lifecycle:   lc,
		DataStreams: dataStreams,
		Archives:    archives,
		HostID:      cfg.Archiver.HostID,
		Bus:         bus,
	}

	cacheJanitor := &janitor.Janitor{
		Config:      janitor.Config{CacheDir: cfg.Archiver.CacheDir, KeyPrefix: cfg.Archiver.KeyPrefix},
		Catalog:     gateway,
		DataStreams: dataStreams,
		Archives:    archives,
		Bus:         bus,
	}

	mountsPtr := status.NewMountsPointer()
	reporter := &status.Reporter{
		Mounts:          mountsPtr,
		Catalog:         gateway,
		Archives:        archives,
		InboxDir:        cfg.Archiver.InboxDir,
		CacheDir:        cfg.Archiver.CacheDir,
		ProblemFilesDir: cfg.Archiver.ProblemFilesDir,
	}
	hub := status.NewHub()

	loop := &worker.Loop{
		ThreadDelayInitial: time.Duration(cfg.Archiver.ThreadDelayInitial) * time.Second,
		CycleSleep:         time.Duration(cfg.Archiver.WorkCycleSleepSeconds) * time.Second,
		RunOnceAndDie:      worker.RunOnceAndDieFromEnv(),
		Scanner:            scanner,
		Engine:             engine,
		Janitor:            cacheJanitor,
		Reporter:           reporter,
		Hub:                hub,
		Mounts:             mountsPtr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := reporter.Snapshot(r.Context())
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			log.Printf("diskarchiver: write status response: %v", err)
		}
	})
	mux.HandleFunc("GET /status/ws", hub.HandleConnection)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Archiver.StatusPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("diskarchiver: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		hub.CloseAll()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		if cfg.Archiver.StatusPort != 0 {
			log.Printf("diskarchiver: status endpoint listening on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("diskarchiver: status server error: %v", err)
			}
		}
	}()

	if err := loop.Run(ctx); err != nil {
		log.Printf("diskarchiver: %v", err)
		os.Exit(3)
	}
}
