package main

import (
	"context"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certfoundry/internal/acme"
	"github.com/blockadesystems/certfoundry/internal/certstore"
	"github.com/blockadesystems/certfoundry/internal/config"
	"github.com/blockadesystems/certfoundry/internal/order"
	"github.com/blockadesystems/certfoundry/internal/secrets"
	"github.com/blockadesystems/certfoundry/internal/server"
	"github.com/blockadesystems/certfoundry/internal/signer"
)

var (
	logger   *zap.Logger
	logLevel zap.AtomicLevel
)

func init() {
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = logLevel
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

// applyLogLevel lowers or raises the global level once the configuration is
// known. An unknown name keeps the default.
func applyLogLevel(name string) {
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		logger.Warn("unknown log level, keeping default", zap.String("level", name))
		return
	}
	logLevel.SetLevel(level)
}

func main() {
	root := &cobra.Command{
		Use:           "certfoundry",
		Short:         "ACME HTTP-01 certificate client backed by a remote signing key",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newOrderCommand(), newServeCommand())

	if err := root.Execute(); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

// newOrderCommand runs one issuance: account, order, authorizations,
// finalize, download, import.
func newOrderCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Order (or renew) the configured certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)
			if cfg.KMSKeyID == "" {
				return fmt.Errorf("CERTFOUNDRY_KMS_KEY_ID must be set")
			}

			accountSigner, err := signer.NewFromConfig(ctx, cfg.KMSKeyID)
			if err != nil {
				return fmt.Errorf("initializing account signer: %w", err)
			}

			client := acme.NewClient(cfg.DirectoryURL, accountSigner)

			secretStore, err := newSecretStore()
			if err != nil {
				return err
			}
			certStore, err := newCertStore(ctx)
			if err != nil {
				return err
			}

			orch, err := order.New(client, secretStore, certStore, order.Config{
				Domains:              cfg.Order.Domains,
				CertificateName:      cfg.Order.CertificateName,
				Contacts:             cfg.Order.Contacts,
				TermsOfServiceAgreed: cfg.Order.TermsOfServiceAgreed,
				Force:                cfg.Order.Force || force,
				PollAttempts:         cfg.Order.PollAttempts,
				PollInterval:         cfg.Order.PollInterval,
				RenewBefore:          cfg.Order.RenewBefore,
			})
			if err != nil {
				return err
			}
			return orch.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "issue even if the stored certificate is not due for renewal")
	return cmd
}

// newServeCommand runs the HTTP-01 challenge responder.
func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP-01 challenge responses from the secret store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			var srvCfg server.Config
			if err := env.Parse(&srvCfg); err != nil {
				return fmt.Errorf("parsing server environment: %w", err)
			}

			secretStore, err := newSecretStore()
			if err != nil {
				return err
			}

			e := server.New(srvCfg, secretStore)
			logger.Info("challenge responder listening", zap.String("address", srvCfg.Address))
			return e.Start(srvCfg.Address)
		},
	}
}

func newSecretStore() (secrets.Store, error) {
	var cfg secrets.Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing secret store environment: %w", err)
	}
	store, err := secrets.NewStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing secret store: %w", err)
	}
	return store, nil
}

func newCertStore(ctx context.Context) (certstore.Store, error) {
	var cfg certstore.Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing certificate store environment: %w", err)
	}
	store, err := certstore.NewS3StoreFromConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing certificate store: %w", err)
	}
	return store, nil
}
