package main

import (
	"github.com/fgeck/temporal-ops/internal/services/deployer"
	"github.com/fgeck/temporal-ops/internal/services/docker"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy or update the Temporal stack",
	Long: `Deploy the compose stack. When the primary service is already running a
rolling update is performed:
1. Verify database configuration and connectivity
2. Pull images and snapshot the configuration
3. Scale the primary service to two replicas
4. Poll the health command until it passes
5. Promote the new replica, or restart the stack on failure
6. Probe the gRPC frontend and the web UI
7. Send Telegram notification (if configured)`,
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog := attachLogFile(cfg.LogFile)
	defer closeLog()

	log.Info().
		Str("env_file", cfg.EnvFile).
		Str("project", cfg.Project.Name).
		Str("compose_file", cfg.Project.ComposeFile).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	dockerSvc, err := docker.New(log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("docker unavailable")
		return err
	}
	defer func() { _ = dockerSvc.Close() }()

	state, err := deployer.New(log.Logger, dockerSvc).Deploy(ctx, *cfg)
	if err != nil {
		log.Error().Err(err).Msg("deploy failed")
		return err
	}

	log.Info().
		Str("mode", string(state.Mode)).
		Str("state", string(state.Rollout)).
		Int("warnings", len(state.Warnings)).
		Msg("deploy completed")
	return nil
}
