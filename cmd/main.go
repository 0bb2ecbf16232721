package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"

	"documind/internal/config"
	"documind/internal/db"
	"documind/internal/embedding"
	"documind/internal/engine"
	"documind/internal/generate"
	"documind/internal/helper"
	"documind/internal/models"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment as-is")
	}

	configPath := flag.String("config", configFilePath, "Path to the config file")
	filePath := flag.String("file", "", "Path to a text document to ingest")
	deleteID := flag.String("delete", "", "Document ID to delete")
	query := flag.String("query", "", "Question to answer")
	streamFlag := flag.Bool("stream", false, "Stream the answer token by token")
	statsFlag := flag.Bool("stats", false, "Print engine statistics")
	serveFlag := flag.Bool("serve", false, "Keep the engine running until interrupted")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}

	ctx := context.Background()
	eng, dbInstance := buildEngine(ctx, cfg)
	defer dbInstance.Close()
	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Error starting engine")
	}
	defer eng.Stop()

	switch {
	case *filePath != "":
		ingestFile(ctx, eng, *filePath)
	case *deleteID != "":
		if err := eng.DeleteDocument(ctx, *deleteID); err != nil {
			log.Fatal().Err(err).Str("document", *deleteID).Msg("Error deleting document")
		}
		log.Info().Str("document", *deleteID).Msg("Document deleted")
	case *query != "" && *streamFlag:
		streamQuery(ctx, eng, *query)
	case *query != "":
		askQuery(ctx, eng, *query)
	case *statsFlag:
		printStats(ctx, eng)
	case *serveFlag:
		serve(eng)
	default:
		log.Fatal().Msg("Please provide a document via -file, a question via -query, a -delete id, -stats, or -serve")
	}
}

// serve keeps the engine alive for external callers until interrupted.
func serve(eng *engine.Engine) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for p := range eng.Progress() {
			log.Info().Str("document", p.DocumentID).Str("status", string(p.Status)).
				Int("done", p.ChunksDone).Int("total", p.ChunksTotal).Msg("Ingestion progress")
		}
	}()
	log.Info().Msg("Engine running, press Ctrl-C to stop")
	<-sig
	log.Info().Msg("Shutting down")
}

func buildEngine(ctx context.Context, cfg *config.Config) (*engine.Engine, *bun.DB) {
	dbClient, err := db.ConnectDB(cfg.Database.DSN, cfg.Database.Password)
	if err != nil {
		log.Fatal().Err(err).Msg("Error connecting to database")
	}
	dbInstance := db.NewDB(dbClient, cfg.Database.Debug)
	if err := db.InitDB(ctx, dbInstance); err != nil {
		log.Fatal().Err(err).Msg("Error initializing database")
	}
	store := db.NewStore(dbInstance)

	gateway, err := embedding.NewGateway(&cfg.EmbedLLM, cfg.Index.Dimension, cfg.Generation.CallTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing embedder")
	}
	providers, err := generate.NewProviders(cfg.Providers)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing generators")
	}
	return engine.New(cfg, gateway, store, providers, store), dbInstance
}

func ingestFile(ctx context.Context, eng *engine.Engine, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Error reading document")
	}
	id, err := eng.ProcessDocument(ctx, "", filepath.Base(path), string(data))
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Error ingesting document")
	}
	doc, err := eng.Document(ctx, id)
	if err != nil {
		log.Fatal().Err(err).Msg("Error reading back document")
	}
	log.Info().Str("document", id).Str("status", string(doc.Status)).
		Int("chunks", len(doc.ChunkIDs)).Msg("Document ingested")
	fmt.Println(id)
}

func askQuery(ctx context.Context, eng *engine.Engine, question string) {
	ans, err := eng.Ask(ctx, &models.Query{Question: question}, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Error answering query")
	}
	fmt.Printf("\n%s\n\n", ans.Text)
	for i, src := range ans.Sources {
		fmt.Printf("[Source %d: %s] score=%.3f\n", i+1, src.DocumentName, src.Score)
	}
	log.Info().Str("generator", ans.GeneratorUsed).Dur("elapsed", ans.ResponseTime).
		Bool("success", ans.Success).Msg("Query finished")
}

func streamQuery(ctx context.Context, eng *engine.Engine, question string) {
	sess, err := eng.AskStream(ctx, &models.Query{Question: question, Stream: true}, "")
	if err != nil {
		log.Fatal().Err(err).Msg("Error starting stream")
	}
	for ev := range sess.Events() {
		switch {
		case ev.Err != nil:
			fmt.Println()
			log.Fatal().Err(ev.Err).Msg("Stream failed")
		case ev.Done:
			fmt.Println()
			if ev.Answer != nil {
				log.Info().Str("generator", ev.Answer.GeneratorUsed).
					Dur("elapsed", ev.Answer.ResponseTime).Msg("Stream finished")
			}
		default:
			fmt.Print(ev.Delta)
		}
	}
}

func printStats(ctx context.Context, eng *engine.Engine) {
	helper.PrettyPrint(eng.Stats())
	helper.PrettyPrint(eng.PopularQuestions(10))
	history, err := eng.PersistedHistory(ctx, 20)
	if err != nil {
		log.Fatal().Err(err).Msg("Error reading query history")
	}
	for _, ans := range history {
		fmt.Printf("%s  %-40q  ok=%v  %s\n", ans.CreatedAt.Format(time.RFC3339), ans.Question, ans.Success, ans.GeneratorUsed)
	}
}
