package main

import (
	"log"
	"os"

	"github.com/rvail/pgarc/internal/api"
	"github.com/rvail/pgarc/internal/config"
	"github.com/rvail/pgarc/internal/engine"
	"github.com/rvail/pgarc/internal/model"
	"github.com/rvail/pgarc/internal/repo"
	"github.com/rvail/pgarc/internal/source"
	"github.com/rvail/pgarc/internal/source/files"
	"github.com/rvail/pgarc/internal/source/postgres"
	"github.com/rvail/pgarc/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("pgarc: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"repo_dir", cfg.RepoDir,
	)

	defs := map[string]config.JobDef{}
	if cfg.JobsFile != "" {
		var err error
		defs, err = config.LoadJobs(cfg.JobsFile)
		if err != nil {
			log.Fatalf("failed to load job definitions: %v", err)
		}
		logger.Info("job definitions loaded", "file", cfg.JobsFile, "count", len(defs))
	}

	// With no jobs file, a service-wide DSN still allows whole-cluster backups
	// through a synthesized definition.
	if len(defs) == 0 {
		if cfg.PostgresDSN == "" {
			logger.Warn("no job definitions configured; no jobs can be submitted")
		} else {
			defs["default"] = config.JobDef{
				Name:       "default",
				SourceKind: model.SourcePostgres,
				DSN:        cfg.PostgresDSN,
			}
			logger.Info("using default whole-cluster job definition")
		}
	}

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rp, err := repo.New(cfg.RepoDir, logger)
	if err != nil {
		log.Fatalf("failed to open repository: %v", err)
	}

	reg := source.NewRegistry()
	reg.Register(postgres.Kind, postgres.New(cfg.ReadTimeout, logger))
	reg.Register(files.Kind, files.New(logger))

	eng := engine.New(db, reg, rp, defs, cfg.JobTimeoutS, logger)

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
