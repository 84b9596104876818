package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"docrel/src/directors"
	"docrel/src/engine"
	"docrel/src/helpers"
	"docrel/src/settings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// printUsage prints helpful usage information
func printUsage() {
	log.Println("docrel - typed relationships over a schemaless document store")
	log.Println("\nUsage:")
	log.Println("  docrel [options]")
	log.Println("\nOptions:")
	flag.PrintDefaults()

	log.Println("\nExamples:")
	log.Println("  docrel --backend=memory --debug")
	log.Println("  docrel --backend=mongo --mongo-uri=mongodb://127.0.0.1:27017 --database=docrel_demo")
	log.Println("  docrel --config=docrel.yaml --journaldir=./journal")
}

func main() {
	// Get the global settings instance
	args := settings.GetSettings()

	// Define command line flags that map to the Arguments struct
	flag.StringVar(&args.Backend, "backend", args.Backend, "Document store to use (memory, mongo)")
	flag.StringVar(&args.MongoURI, "mongo-uri", args.MongoURI, "MongoDB connection string")
	flag.StringVar(&args.Database, "database", args.Database, "MongoDB database name")
	flag.StringVar(&args.LogDir, "logdir", "", "Directory to store rotated log files (default: stdout only)")
	flag.StringVar(&args.JournalDir, "journaldir", "", "Directory for the relationship journal (default: disabled)")
	flag.IntVar(&args.JournalMaxSizeMB, "journal-max-size", args.JournalMaxSizeMB, "Maximum size of a journal file in MB")
	flag.IntVar(&args.JournalMaxBackups, "journal-max-backups", args.JournalMaxBackups, "Rotated journal files to keep")
	flag.StringVar(&args.ConfigFile, "config", "", "Path to config file")
	flag.BoolVar(&args.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&args.Debug, "debug", false, "Enable debug mode")
	flag.BoolVar(&args.PrintToScreen, "print", true, "Print Log Messages to screen")

	// Parse the command line
	flag.Parse()

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if err := settings.LoadConfigFile(args, explicit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	// Validate the arguments
	if err := settings.Validate(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n\n", err)
		printUsage()
		os.Exit(1)
	}

	baseLogger, err := helpers.NewLogger(args)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	zap.ReplaceGlobals(baseLogger)
	logger := baseLogger.Sugar()

	// Print the arguments if in verbose mode
	if args.Verbose {
		logger.Infow("docrel starting with options",
			"backend", args.Backend,
			"database", args.Database,
			"logDir", args.LogDir,
			"journalDir", args.JournalDir,
			"configFile", args.ConfigFile,
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := run(ctx, args, logger); err != nil {
		logger.Errorf("docrel failed: %v", err)
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(ctx context.Context, args *settings.Arguments, logger *zap.SugaredLogger) (err error) {
	stores, err := directors.NewStoreService(ctx, args, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, stores.Close(context.Background()))
	}()

	sm := directors.InitServiceManager(engine.NewRegistry(logger), stores, logger)
	if err := declareModels(sm.Registry); err != nil {
		return err
	}

	sess := sm.NewSession()
	if err := cityScenario(ctx, sess, logger); err != nil {
		return fmt.Errorf("city scenario: %w", err)
	}
	if err := tagScenario(ctx, sess, logger); err != nil {
		return fmt.Errorf("tag scenario: %w", err)
	}
	return nil
}

func declareModels(reg *engine.Registry) error {
	if _, err := reg.Define("City", engine.WithCollection("cities"),
		engine.WithRelationship("bars", engine.OneToMany("Bar", engine.Inverse("city"), engine.Cascade()))); err != nil {
		return err
	}
	if _, err := reg.Define("Bar"); err != nil {
		return err
	}
	if _, err := reg.Define("Document",
		engine.WithRelationship("tags", engine.ManyToMany("Tag", engine.Inverse("documents")))); err != nil {
		return err
	}
	if _, err := reg.Define("Tag"); err != nil {
		return err
	}
	return nil
}

func lookup(reg *engine.Registry, names ...string) ([]*engine.ModelType, error) {
	types := make([]*engine.ModelType, 0, len(names))
	for _, name := range names {
		mt, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		types = append(types, mt)
	}
	return types, nil
}

func save(ctx context.Context, sess *engine.Session, mt *engine.ModelType, fields bson.M) (*engine.Instance, error) {
	inst, err := sess.New(mt, fields)
	if err != nil {
		return nil, err
	}
	if err := inst.Save(ctx); err != nil {
		return nil, err
	}
	return inst, nil
}

func cityScenario(ctx context.Context, sess *engine.Session, logger *zap.SugaredLogger) error {
	types, err := lookup(sess.Registry(), "City", "Bar")
	if err != nil {
		return err
	}
	city, bar := types[0], types[1]

	amsterdam, err := save(ctx, sess, city, bson.M{"name": "Amsterdam"})
	if err != nil {
		return err
	}
	bars, err := amsterdam.Many("bars")
	if err != nil {
		return err
	}
	for _, name := range []string{"Cafe Hoppe", "De Druif"} {
		b, err := save(ctx, sess, bar, bson.M{"name": name})
		if err != nil {
			return err
		}
		if err := bars.Add(ctx, b); err != nil {
			return err
		}
	}

	n, err := bars.Count(ctx, nil)
	if err != nil {
		return err
	}
	logger.Infof("%s has %d bars", amsterdam, n)

	first, err := bars.FindOne(ctx, bson.M{"name": "De Druif"})
	if err != nil {
		return err
	}
	owner, err := first.Related(ctx, "city")
	if err != nil {
		return err
	}
	logger.Infof("%s belongs to %s", first, owner)

	if err := amsterdam.Remove(ctx); err != nil {
		return err
	}
	left, err := sess.Count(ctx, bar, nil)
	if err != nil {
		return err
	}
	logger.Infof("Removed %s, %d bars left", amsterdam, left)
	return nil
}

func tagScenario(ctx context.Context, sess *engine.Session, logger *zap.SugaredLogger) error {
	types, err := lookup(sess.Registry(), "Document", "Tag")
	if err != nil {
		return err
	}
	document, tag := types[0], types[1]

	var docs, tags []*engine.Instance
	for _, title := range []string{"d1", "d2"} {
		d, err := save(ctx, sess, document, bson.M{"title": title})
		if err != nil {
			return err
		}
		docs = append(docs, d)
	}
	for _, name := range []string{"t1", "t2"} {
		t, err := save(ctx, sess, tag, bson.M{"name": name})
		if err != nil {
			return err
		}
		tags = append(tags, t)
	}

	links := [][2]int{{0, 0}, {0, 1}, {1, 0}}
	for _, l := range links {
		m, err := docs[l[0]].Many("tags")
		if err != nil {
			return err
		}
		if err := m.Add(ctx, tags[l[1]]); err != nil {
			return err
		}
	}

	for _, t := range tags {
		m, err := t.Many("documents")
		if err != nil {
			return err
		}
		n, err := m.Count(ctx, nil)
		if err != nil {
			return err
		}
		logger.Infof("%s is used by %d documents", t, n)
	}
	return nil
}
