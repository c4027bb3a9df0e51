package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"LabSync/internal/app"
	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/logging"
)

func main() {
	mode := flag.String("mode", "sync-all", "sync-all | sync-patient | import | watch")
	patientID := flag.Int64("patient", 0, "internal patient id for sync-patient and import")
	file := flag.String("file", "", "report file to import (html, png, jpg, pdf)")
	flag.Parse()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level)

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	ctx := context.Background()

	switch *mode {
	case "sync-patient":
		result, err := application.Orchestrator().SyncPatient(ctx, *patientID)
		if err != nil {
			logger.Error("patient sync failed", "patient_id", *patientID, "error", err)
			os.Exit(1)
		}
		logger.Info("patient sync finished",
			"patient_id", result.PatientID,
			"seen", result.Seen,
			"imported", result.Imported,
			"failed", result.Failed())

	case "import":
		if err := importFile(ctx, application, *patientID, *file, logger); err != nil {
			logger.Error("import failed", "file", *file, "error", err)
			os.Exit(1)
		}

	case "watch":
		if err := application.StartScheduler(ctx); err != nil {
			logger.Error("scheduler failed to start", "error", err)
			os.Exit(1)
		}
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")

	default:
		if err := syncAll(ctx, application, logger); err != nil {
			os.Exit(1)
		}
	}
}

func syncAll(ctx context.Context, application *app.Application, logger *slog.Logger) error {
	id, err := application.Orchestrator().StartSyncAll(ctx)
	if err != nil {
		logger.Error("sync-all failed to start", "error", err)
		return err
	}
	logger.Info("sync-all started", "run_id", id)

	for {
		time.Sleep(2 * time.Second)
		snap, ok := application.Orchestrator().RunStatus(id)
		if !ok {
			continue
		}
		if snap.Status == domain.RunPending || snap.Status == domain.RunRunning {
			continue
		}

		var imported, failed int
		for _, result := range snap.Results {
			imported += result.Imported
			failed += result.Failed()
		}
		logger.Info("sync-all finished",
			"run_id", id,
			"status", string(snap.Status),
			"patients", len(snap.Results),
			"imported", imported,
			"failed", failed)
		return nil
	}
}

func importFile(ctx context.Context, application *app.Application, patientID int64, path string, logger *slog.Logger) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	doc := domain.RawDocument{
		Ref:       domain.DocumentRef{ID: "upload-" + name, Title: name},
		Kind:      kindFromExtension(path),
		Body:      body,
		FetchedAt: time.Now(),
	}
	doc.Ref.Kind = doc.Kind

	report, err := application.Orchestrator().ImportReport(ctx, patientID, doc)
	if err != nil {
		return err
	}

	logger.Info("report imported",
		"patient_id", patientID,
		"external_id", report.ExternalID,
		"title", report.Title,
		"values", len(report.Values))
	return nil
}

func kindFromExtension(path string) domain.ContentKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tiff":
		return domain.KindImage
	case ".pdf":
		return domain.KindPDF
	default:
		return domain.KindHTML
	}
}
