// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"qcbridge.org/qcbridge/bridge"
	"qcbridge.org/qcbridge/server/admin"
	"qcbridge.org/qcbridge/server/core"
	"qcbridge.org/qcbridge/server/db"
)

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load qcbridged config: %s\n", err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Request the admin server password if it is not set in config.
	var adminSrvAuthSHA [32]byte
	if len(cfg.AdminPass) == 0 {
		adminSrvAuthSHA, err = admin.PasswordHashPrompt("Admin interface password: ")
		if err != nil {
			return fmt.Errorf("cannot use password: %v", err)
		}
	} else {
		adminSrvAuthSHA = sha256.Sum256([]byte(cfg.AdminPass))
		cfg.AdminPass = ""
	}

	// Display app version.
	log.Infof("%s version %v (Go version %s)", AppName, Version(), runtime.Version())
	log.Infof("%s starting for network: %s", AppName, cfg.ChainParams.Name)

	// Grant the configured roles.
	auth := bridge.NewStaticAuth()
	for _, actor := range cfg.Admins {
		auth.Grant(actor, bridge.RoleAdmin)
	}
	for _, actor := range cfg.Attesters {
		auth.Grant(actor, bridge.RoleAttester)
	}
	for _, actor := range cfg.Binders {
		auth.Grant(actor, bridge.RoleBinder)
	}
	for _, actor := range cfg.Watchdogs {
		auth.Grant(actor, bridge.RoleWatchdog)
	}
	for _, actor := range cfg.Custodians {
		auth.Grant(actor, bridge.RoleCustodian)
	}

	// Open the store.
	store, err := db.New(&db.Config{
		Path: cfg.DataDir,
		Log:  cfg.LogMaker.NewLogger("DB"),
	})
	if err != nil {
		return fmt.Errorf("error opening store at %q: %w", cfg.DataDir, err)
	}

	// Assemble the settlement core.
	c, err := core.New(&core.Config{
		Store:                 store,
		LogMaker:              cfg.LogMaker,
		Auth:                  auth,
		ChainParams:           cfg.ChainParams,
		CurrentBits:           cfg.CurrentBits,
		PreviousBits:          cfg.PreviousBits,
		RequiredConfs:         cfg.RequiredConfs,
		RequireCoinbaseAnchor: cfg.RequireCoinbaseAnchor,
		MaxAttestationAge:     cfg.MaxAttestationAge,
		StaleThreshold:        cfg.StaleThreshold,
		BindingTTL:            cfg.BindingTTL,
		MinRedemption:         cfg.MinRedemption,
		MaxRedemption:         cfg.MaxRedemption,
		RedemptionTimeout:     cfg.RedemptionTimeout,
		RedemptionGrace:       cfg.RedemptionGrace,
		FeeTolerance:          cfg.FeeTolerance,
		VotingPeriod:          cfg.VotingPeriod,
		DefaultThreshold:      cfg.DefaultThreshold,
	})
	if err != nil {
		return fmt.Errorf("error assembling core: %w", err)
	}

	// Seed the watchdog voter set. The voter set is operational config, not
	// persisted state, so it is rebuilt on every start.
	adminActor := cfg.Admins[0]
	for _, voter := range cfg.Watchdogs {
		if err := c.Watchdogs().AddVoter(adminActor, voter); err != nil {
			return fmt.Errorf("error adding watchdog voter %s: %w", voter, err)
		}
	}
	if n := c.Watchdogs().VoterCount(); n > 0 {
		log.Infof("Watchdog consensus: %d-of-%d", cfg.DefaultThreshold, n)
	}

	adminServer, err := admin.NewServer(&admin.SrvConfig{
		Core:    c,
		Log:     cfg.LogMaker.NewLogger("ADMN"),
		Addr:    cfg.AdminAddr,
		Cert:    cfg.Cert,
		Key:     cfg.Key,
		AuthSHA: adminSrvAuthSHA,
	})
	if err != nil {
		return fmt.Errorf("cannot set up admin server: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		store.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		c.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		adminServer.Run(ctx)
	}()

	log.Infof("The bridge is running. Hit CTRL+C to quit...")
	wg.Wait()
	log.Infof("Bye!")

	return nil
}

func main() {
	// Create a context that is canceled on interrupt or termination signals.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mainCore(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
