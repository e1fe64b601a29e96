// Command merchantd runs the merchant payment backend's HTTP surface,
// wiring the Order & Contract Manager, Payment Coordinator, Refund
// Ledger, Tracking & Aggregation Reconciler, Tip Subsystem, and
// Long-Poll Registry behind a single gorilla/mux server. Loads
// configuration, constructs every collaborator, listens, and shuts down
// gracefully on signal.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"taler-merchant/internal/amount"
	"taler-merchant/internal/config"
	"taler-merchant/internal/contract"
	"taler-merchant/internal/cryptoutil"
	"taler-merchant/internal/exchange"
	"taler-merchant/internal/httpapi"
	"taler-merchant/internal/instance"
	"taler-merchant/internal/longpoll"
	"taler-merchant/internal/metrics"
	"taler-merchant/internal/payment"
	"taler-merchant/internal/reconcile"
	"taler-merchant/internal/refund"
	"taler-merchant/internal/store"
	"taler-merchant/internal/tip"
)

var log = logrus.New()

func main() {
	os.Exit(run())
}

// run returns the admin-CLI-style exit code of this behavior: 0 ok, 1 fatal,
// 2 bad configuration file.
func run() int {
	_ = godotenv.Load()

	configPath := os.Getenv("MERCHANT_CONFIG")
	if configPath == "" {
		configPath = "config/merchant.yaml"
	}
	cfg, err := config.Load(configPath, os.Getenv("MERCHANT_ENV"))
	if err != nil {
		log.WithError(err).Error("merchantd: load configuration")
		return 2
	}
	if cfg.Logging.Level != "" {
		if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
			log.SetLevel(lvl)
		}
	}

	masterKey, err := resolveMasterKey(cfg.MasterKeyHex)
	if err != nil {
		log.WithError(err).Error("merchantd: resolve master key")
		return 1
	}

	st := store.NewMemStore()
	instances := instance.NewRegistry(st)
	waiters := longpoll.NewRegistry()
	defer waiters.Close()

	ex, err := exchange.New(15*time.Second, cfg.DepositConcurrencyPerExchange)
	if err != nil {
		log.WithError(err).Error("merchantd: construct exchange client")
		return 1
	}
	for _, exCfg := range cfg.Exchanges {
		if exCfg.MasterPublicKey == "" {
			continue
		}
		pub, err := hex.DecodeString(exCfg.MasterPublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			log.WithField("exchange", exCfg.BaseURL).Error("merchantd: invalid exchange master public key")
			return 2
		}
		ex.RegisterMasterKey(exCfg.BaseURL, ed25519.PublicKey(pub))
	}

	signKey := func(instanceID string) (ed25519.PrivateKey, error) {
		inst, err := st.GetInstance(context.Background(), instanceID)
		if err != nil {
			return nil, fmt.Errorf("merchantd: resolve signing key: %w", err)
		}
		plain, err := cryptoutil.OpenPrivateKey(masterKey, inst.SealedPrivateKeyNonce, inst.SealedPrivateKeyCipher)
		if err != nil {
			return nil, fmt.Errorf("merchantd: open signing key: %w", err)
		}
		return ed25519.PrivateKey(plain), nil
	}

	contracts := contract.NewManager(st)
	payments := payment.NewCoordinator(st, ex, waiters, signKey)
	refunds := refund.NewLedger(st, waiters, signKey)
	reconciler := reconcile.NewReconciler(st, ex)
	tips := tip.NewSubsystem(st, ex, signKey)
	metricsReg := metrics.New()

	if err := ensureDefaultInstance(st, *cfg, masterKey); err != nil {
		log.WithError(err).Error("merchantd: bootstrap default instance")
		return 1
	}

	merchantBaseURL := os.Getenv("MERCHANT_BASE_URL")
	if merchantBaseURL == "" {
		merchantBaseURL = "http://localhost" + cfg.Server.ListenAddr
	}

	srv := httpapi.NewServer(cfg.Server.ListenAddr, httpapi.Deps{
		Store:            st,
		Instances:        instances,
		Contracts:        contracts,
		Payments:         payments,
		Refunds:          refunds,
		Reconciler:       reconciler,
		Tips:             tips,
		Waiters:          waiters,
		MasterKey:        masterKey,
		MerchantBaseURL:  merchantBaseURL,
		InstanceDefaults: httpapi.InstanceDefaultsFromStore(st, merchantBaseURL),
		Metrics:          metricsReg,
	})

	var metricsSrv *http.Server
	if cfg.MetricsListenAddr != "" {
		metricsSrv = metricsReg.StartServer(cfg.MetricsListenAddr)
		log.WithField("addr", cfg.MetricsListenAddr).Info("merchantd: metrics listening")
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("merchantd: listening")
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("merchantd: server stopped")
			return 1
		}
	case <-sigCh:
		log.Info("merchantd: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("merchantd: graceful shutdown")
		}
		if metricsSrv != nil {
			_ = metricsReg.Shutdown(ctx, metricsSrv)
		}
	}
	return 0
}

// resolveMasterKey decodes a configured hex key or generates and logs an
// ephemeral one rather than refusing to start. A generated key does not
// survive a restart, so sealed instance keys become unreadable;
// production deployments must set master-key.
func resolveMasterKey(hexKey string) ([]byte, error) {
	if hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("master-key: invalid hex: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("master-key: want %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		return key, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("master-key: generate ephemeral: %w", err)
	}
	log.Warn("merchantd: no master-key configured; generated an ephemeral one for this process only")
	return key, nil
}

// ensureDefaultInstance seeds the single-tenant httpapi.DefaultInstanceID
// instance the first time merchantd runs against an
// empty store, generating its merchant signing keypair and sealing it
// under masterKey.
func ensureDefaultInstance(st store.Store, cfg config.Config, masterKey []byte) error {
	ctx := context.Background()
	if _, err := st.GetInstance(ctx, httpapi.DefaultInstanceID); err == nil {
		return nil
	}

	kp, err := cryptoutil.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate instance keypair: %w", err)
	}
	nonce, cipher, err := cryptoutil.SealPrivateKey(masterKey, kp.Private)
	if err != nil {
		return fmt.Errorf("seal instance signing key: %w", err)
	}

	maxWireFee, err := parseAmountOrZero(cfg.DefaultMaxWireFee, cfg.Currency)
	if err != nil {
		return err
	}
	maxDepositFee, err := parseAmountOrZero(cfg.DefaultMaxDepositFee, cfg.Currency)
	if err != nil {
		return err
	}

	inst := store.Instance{
		ID:                         httpapi.DefaultInstanceID,
		PublicKey:                  kp.Public,
		SealedPrivateKeyNonce:      nonce,
		SealedPrivateKeyCipher:     cipher,
		Name:                       "Default Merchant",
		DefaultMaxWireFee:          maxWireFee,
		DefaultWireFeeAmortization: cfg.DefaultWireFeeAmortization,
		DefaultMaxDepositFee:       maxDepositFee,
		DefaultWireTransferDelay:   cfg.DefaultWireTransferDelay,
		DefaultPayDelay:            cfg.DefaultPayDelay,
	}
	if err := st.CreateInstance(ctx, inst); err != nil {
		return fmt.Errorf("create default instance: %w", err)
	}
	log.WithField("instance", inst.ID).Info("merchantd: bootstrapped default instance")
	return nil
}

func parseAmountOrZero(s, currency string) (amount.Value, error) {
	if s == "" {
		return amount.Zero(currency), nil
	}
	return amount.Parse(s)
}
