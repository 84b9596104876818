package directors

import (
	"context"
	"fmt"

	"docrel/src/docstore"
	"docrel/src/docstore/memstore"
	"docrel/src/docstore/mongostore"
	"docrel/src/engine"
	"docrel/src/settings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// StoreService owns the document store and the mutation journal selected by the settings.
type StoreService struct {
	database docstore.Database
	journal  *engine.Journal
	settings *settings.Arguments
	closers  []func(context.Context) error
	logger   *zap.SugaredLogger
}

// NewStoreService opens the backend named in args and, when a journal directory is set, the journal.
func NewStoreService(ctx context.Context, args *settings.Arguments, logger *zap.SugaredLogger) (*StoreService, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	service := &StoreService{settings: args, logger: logger}

	switch args.Backend {
	case "memory":
		service.database = memstore.New(logger)
		logger.Info("Using the in-memory document store")
	case "mongo":
		db, err := mongostore.Connect(ctx, args.MongoURI, args.Database, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open mongo backend: %w", err)
		}
		service.database = db
		service.closers = append(service.closers, db.Disconnect)
	default:
		return nil, fmt.Errorf("unknown backend: %s", args.Backend)
	}

	if args.JournalDir != "" {
		journal, err := engine.NewJournal(args.JournalDir, args.JournalMaxSizeMB, args.JournalMaxBackups)
		if err != nil {
			return nil, multierr.Append(err, service.Close(ctx))
		}
		service.journal = journal
		service.closers = append(service.closers, func(context.Context) error { return journal.Close() })
		logger.Infof("Journaling relationship mutations to %s", journal.Path())
	}

	return service, nil
}

func (s *StoreService) Database() docstore.Database {
	return s.database
}

// Journal is nil when journaling is disabled.
func (s *StoreService) Journal() *engine.Journal {
	return s.journal
}

// Close releases everything the service opened, newest first.
func (s *StoreService) Close(ctx context.Context) error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i](ctx))
	}
	s.closers = nil
	return err
}
