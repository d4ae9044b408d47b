package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opentracing/opentracing-go"
	"github.com/urfave/cli/v2"

	"github.com/mailtide/mailtide/config"
	"github.com/mailtide/mailtide/internal/cron"
	"github.com/mailtide/mailtide/internal/enum"
	"github.com/mailtide/mailtide/internal/logger"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/storage"
	"github.com/mailtide/mailtide/internal/tracing"
	"github.com/mailtide/mailtide/internal/utils"
	"github.com/mailtide/mailtide/services/accounts"
	"github.com/mailtide/mailtide/services/email"
	"github.com/mailtide/mailtide/services/health"
)

func main() {
	app := &cli.App{
		Name:  "mailtide",
		Usage: "personal mail client with offline cache",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Connect all accounts and run the sync daemon",
				Action: runDaemon,
			},
			{
				Name:  "accounts",
				Usage: "Manage configured accounts",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List configured accounts",
						Action: listAccounts,
					},
					{
						Name:  "add",
						Usage: "Add an account",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Required: true},
							&cli.StringFlag{Name: "email", Required: true},
							&cli.StringFlag{Name: "imap-host"},
							&cli.IntFlag{Name: "imap-port", Value: 993},
							&cli.StringFlag{Name: "pop3-host"},
							&cli.IntFlag{Name: "pop3-port", Value: 995},
							&cli.StringFlag{Name: "smtp-host", Required: true},
							&cli.IntFlag{Name: "smtp-port", Value: 587},
							&cli.StringFlag{Name: "username"},
							&cli.StringFlag{Name: "password"},
							&cli.StringFlag{Name: "security", Value: "tls", Usage: "tls, starttls or none"},
						},
						Action: addAccount,
					},
					{
						Name:      "remove",
						Usage:     "Remove an account by id",
						ArgsUsage: "<account-id>",
						Action:    removeAccount,
					},
					{
						Name:      "default",
						Usage:     "Set the default account",
						ArgsUsage: "<account-id>",
						Action:    setDefaultAccount,
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func initConfig() (*config.Config, logger.Logger, error) {
	cfg, err := config.InitConfig()
	if err != nil {
		return nil, nil, err
	}

	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	if err := os.MkdirAll(cfg.AppConfig.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	return cfg, appLogger, nil
}

func runDaemon(c *cli.Context) error {
	cfg, appLogger, err := initConfig()
	if err != nil {
		return err
	}

	tracer, tracerCloser, err := tracing.NewJaegerTracer(cfg.Tracing, appLogger)
	if err != nil {
		appLogger.Warnf("Tracer initialization failed, continuing without tracing: %v", err)
	} else {
		opentracing.SetGlobalTracer(tracer)
		defer tracerCloser.Close()
	}

	configStore, err := config.NewAccountsStore(cfg.AppConfig.AccountsFile)
	if err != nil {
		return err
	}

	emailStore, err := storage.NewCacheStore(cfg.AppConfig.CacheFile)
	if err != nil {
		return err
	}
	defer emailStore.Close()

	ctx := context.Background()

	orchestrator := accounts.NewOrchestrator(appLogger, configStore, emailStore, cfg.AppConfig.ConnectTimeout)
	if err := orchestrator.LoadAccounts(ctx); err != nil {
		return err
	}
	orchestrator.ConnectAll(ctx)

	emailService := email.NewService(appLogger, orchestrator, emailStore, &cfg.AppConfig.FetchLimit)

	monitor := health.NewMonitor(appLogger, orchestrator, cfg.AppConfig.HealthCheckInterval)
	monitor.Start()

	cronManager := cron.NewCronManager(cfg, appLogger, emailService)
	cronManager.Start()

	appLogger.Infof("mailtide running, %d accounts loaded", len(orchestrator.ListAccounts()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLogger.Info("Shutting down")
	cronManager.Stop()
	monitor.Stop()
	orchestrator.DisconnectAll()
	return nil
}

func openConfigStore() (*config.Config, *config.AccountsStore, error) {
	cfg, _, err := initConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := config.NewAccountsStore(cfg.AppConfig.AccountsFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, store, nil
}

func listAccounts(c *cli.Context) error {
	_, store, err := openConfigStore()
	if err != nil {
		return err
	}

	defaultID := store.Settings().DefaultAccount
	for _, account := range store.Accounts() {
		marker := " "
		if account.ID == defaultID {
			marker = "*"
		}
		protocols := "smtp"
		if account.HasIMAP() {
			protocols = "imap+" + protocols
		}
		if account.HasPOP3() {
			protocols = "pop3+" + protocols
		}
		fmt.Printf("%s %-16s %-30s %s\n", marker, account.ID, account.Email, protocols)
	}
	return nil
}

func addAccount(c *cli.Context) error {
	_, store, err := openConfigStore()
	if err != nil {
		return err
	}

	security, err := parseSecurity(c.String("security"))
	if err != nil {
		return err
	}
	username := c.String("username")
	password := c.String("password")

	account := models.AccountConfig{
		Name:  c.String("name"),
		Email: c.String("email"),
		SMTP: models.ServerConfig{
			Host:     c.String("smtp-host"),
			Port:     c.Int("smtp-port"),
			Username: username,
			Password: password,
			Security: security,
		},
	}
	if host := c.String("imap-host"); host != "" {
		account.IMAP = &models.ServerConfig{
			Host:     host,
			Port:     c.Int("imap-port"),
			Username: username,
			Password: password,
			Security: security,
		}
	}
	if host := c.String("pop3-host"); host != "" {
		account.POP3 = &models.ServerConfig{
			Host:     host,
			Port:     c.Int("pop3-port"),
			Username: username,
			Password: password,
			Security: security,
		}
	}

	account.ID = utils.GenerateNanoIdWithPrefix("acct", 12)
	if err := store.AddAccount(account); err != nil {
		return err
	}
	fmt.Printf("added account %s\n", account.ID)
	return nil
}

func parseSecurity(value string) (enum.EmailSecurity, error) {
	switch strings.ToLower(value) {
	case "none":
		return enum.EmailSecurityNone, nil
	case "ssl":
		return enum.EmailSecuritySSL, nil
	case "tls":
		return enum.EmailSecurityTLS, nil
	case "starttls":
		return enum.EmailSecurityStartTLS, nil
	}
	return "", fmt.Errorf("unknown security mode %q, want tls, ssl, starttls or none", value)
}

func removeAccount(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mailtide accounts remove <account-id>", 1)
	}
	_, store, err := openConfigStore()
	if err != nil {
		return err
	}
	if err := store.RemoveAccount(c.Args().First()); err != nil {
		return err
	}
	fmt.Println("removed")
	return nil
}

func setDefaultAccount(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("usage: mailtide accounts default <account-id>", 1)
	}
	_, store, err := openConfigStore()
	if err != nil {
		return err
	}
	if err := store.SetDefaultAccount(c.Args().First()); err != nil {
		return err
	}
	fmt.Println("default updated")
	return nil
}
