package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/config"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/events"
	"github.com/punchamoorthee/ledgerclient/internal/fallback"
	"github.com/punchamoorthee/ledgerclient/internal/ledger"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/punchamoorthee/ledgerclient/internal/passbook"
	"github.com/punchamoorthee/ledgerclient/internal/service"
	"github.com/punchamoorthee/ledgerclient/internal/session"
)

const usage = `usage: ledgerctl [-user NAME] [-password PW] COMMAND [ARGS]

commands:
  register -first F -last L -email E [-phone P]
  balance
  deposit AMOUNT [DESCRIPTION]
  withdraw AMOUNT [DESCRIPTION]
  history [-kind KIND] [-n COUNT]
  transfer USERNAME AMOUNT [DESCRIPTION]
`

// app is the wiring of one signed-in invocation.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	base     *client.Client
	fallback *fallback.Provider
	store    cache.Store
	receipts events.Publisher
	out      io.Writer
}

func main() {
	fs := flag.NewFlagSet("ledgerctl", flag.ExitOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	user := fs.String("user", os.Getenv("LEDGER_USER"), "Username to sign in as")
	password := fs.String("password", os.Getenv("LEDGER_PASSWORD"), "Password")
	_ = fs.Parse(os.Args[1:])
	if fs.NArg() == 0 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(".")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if err := a.run(ctx, *user, *password, fs.Arg(0), fs.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", message(err))
		os.Exit(1)
	}
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	policy := client.Policy{
		Timeout:              cfg.Timeout(),
		LookupRetryTimeout:   cfg.LookupRetryTimeout(),
		TransferRetryTimeout: cfg.TransferRetryTimeout(),
		MaxRetries:           cfg.LedgerMaxRetries,
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		base:     client.NewClient(cfg.LedgerBaseURL, policy, logger),
		fallback: fallback.NewProvider(logger),
		out:      os.Stdout,
	}

	switch cfg.CacheBackend {
	case "redis":
		rs, err := cache.NewRedisStoreFromURL(ctx, cfg.RedisURL, cfg.CacheRedisPrefix, cfg.CacheTTL())
		if err != nil {
			return nil, err
		}
		a.store = rs
	default:
		a.store = cache.NewMemoryStore()
	}

	if cfg.RabbitMQURL == "" {
		a.receipts = events.NopPublisher{Logger: logger}
	} else {
		p, err := events.NewAMQPPublisher(cfg.RabbitMQURL, cfg.ReceiptExchange, logger)
		if err != nil {
			logger.Warn("receipt publishing disabled", "error", err)
			a.receipts = events.NopPublisher{Logger: logger}
		} else {
			a.receipts = p
		}
	}
	return a, nil
}

func (a *app) close() {
	a.receipts.Close()
	if rs, ok := a.store.(*cache.RedisStore); ok {
		if err := rs.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
}

func (a *app) run(ctx context.Context, user, password, cmd string, args []string) error {
	if cmd == "register" {
		return a.register(ctx, user, password, args)
	}
	if user == "" || password == "" {
		return errors.New("-user and -password are required")
	}

	acct, err := ledger.NewService(a.base, nil, a.logger).Login(ctx, user, password)
	if err != nil {
		return err
	}
	sess := session.FromAccount(acct)
	svc := ledger.NewService(a.base.WithSession(sess), a.fallback, a.logger)
	balances := cache.New(svc, a.store, a.logger)
	teller := service.NewTeller(ctx, sess, svc, balances, passbook.NewAggregator(svc, balances, a.logger), a.receipts, a.logger)
	defer teller.Close()

	switch cmd {
	case "balance":
		b, err := teller.RefreshBalance(ctx)
		if err != nil {
			return err
		}
		a.printBalance(b)
		return nil

	case "deposit", "withdraw":
		if len(args) < 1 {
			return fmt.Errorf("%s: amount is required", cmd)
		}
		if _, err := teller.Start(ctx); err != nil {
			return err
		}
		desc := strings.Join(args[1:], " ")
		var tx domain.Transaction
		if cmd == "deposit" {
			tx, err = teller.Deposit(ctx, args[0], desc)
		} else {
			tx, err = teller.Withdraw(ctx, args[0], desc)
		}
		if err != nil {
			return err
		}
		a.printTransaction(tx)
		return nil

	case "history":
		return a.history(ctx, teller, args)

	case "transfer":
		if len(args) < 2 {
			return errors.New("transfer: username and amount are required")
		}
		if _, err := teller.Start(ctx); err != nil {
			return err
		}
		w := service.NewTransferWorkflow(ctx, sess, svc, balances, a.receipts, a.logger)
		defer w.Close()

		recipient, err := w.Search(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Recipient: %s (@%s)\n", recipient.FullName(), recipient.Username)
		tx, err := w.Submit(ctx, args[1], strings.Join(args[2:], " "))
		if err != nil {
			return err
		}
		a.printTransaction(tx)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *app) register(ctx context.Context, user, password string, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	first := fs.String("first", "", "First name")
	last := fs.String("last", "", "Last name")
	email := fs.String("email", "", "Email address")
	phone := fs.String("phone", "", "Phone number")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if user == "" || password == "" || *email == "" {
		return errors.New("register: -user, -password and -email are required")
	}

	acct, err := ledger.NewService(a.base, nil, a.logger).Register(ctx, models.RegisterRequest{
		Username:    user,
		Password:    password,
		FirstName:   *first,
		LastName:    *last,
		Email:       *email,
		PhoneNumber: *phone,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Registered %s (customer %d)\n", acct.Username, acct.ID)
	return nil
}

func (a *app) history(ctx context.Context, teller *service.Teller, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	kind := fs.String("kind", "", "Only show one kind: deposit, withdrawal, transfer_out, transfer_in")
	n := fs.Int("n", 0, "Show at most n transactions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var kinds []domain.Kind
	if *kind != "" {
		k, err := domain.ParseKind(*kind)
		if err != nil {
			return err
		}
		kinds = append(kinds, k)
	}

	pb, err := teller.History(ctx, kinds...)
	if err != nil {
		return err
	}
	if pb.Degraded {
		fmt.Fprintln(a.out, "Offline: showing no transactions")
	}
	s := pb.Summary
	fmt.Fprintf(a.out, "%s  balance %s  %d transaction(s)\n", s.CustomerName, domain.FormatUSD(s.CurrentBalance), s.TotalCount)
	if !s.Consistent {
		fmt.Fprintln(a.out, "Warning: history does not add up to the current balance")
	}
	txs := pb.Transactions
	if *n > 0 {
		txs = passbook.Recent(txs, *n)
	}
	for _, tx := range txs {
		a.printTransaction(tx)
	}
	return nil
}

func (a *app) printBalance(b domain.Balance) {
	if b.Degraded {
		fmt.Fprintf(a.out, "Balance: %s (offline)\n", domain.FormatUSD(b.Amount))
		return
	}
	fmt.Fprintf(a.out, "Balance: %s\n", domain.FormatUSD(b.Amount))
}

func (a *app) printTransaction(tx domain.Transaction) {
	fmt.Fprintf(a.out, "#%d  %s  %-12s %10s  balance %s  %s\n",
		tx.ID,
		tx.Timestamp.Format("2006-01-02 15:04"),
		tx.Kind,
		domain.FormatUSD(tx.Signed()),
		domain.FormatUSD(tx.BalanceAfterTransaction),
		tx.Description,
	)
}

// message is the text shown to the customer for err.
func message(err error) string {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return client.UserMessage(err)
}
