package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/inventory"
	"github.com/loqalabs/loqa-sign/internal/lexicon"
	"github.com/loqalabs/loqa-sign/internal/translate"
	"golang.org/x/text/language"
)

var version = "0.1.0-dev"

func main() {
	var configPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "config", "signd.yaml", "Path to configuration file")
	resolveCmd := flag.NewFlagSet("resolve", flag.ExitOnError)
	resolveCmd.StringVar(&configPath, "config", "signd.yaml", "Path to configuration file")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'resolve' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		buckets, stems, err := runValidate(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("inventory valid: %d buckets, %d stems\n", buckets, stems)
	case "resolve":
		resolveCmd.Parse(os.Args[2:])
		if resolveCmd.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "resolve expects the text to resolve")
			os.Exit(2)
		}
		if err := runResolve(configPath, strings.Join(resolveCmd.Args(), " "), os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func loadIndex(path string, lazy bool) (*inventory.Index, config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, cfg, err
	}
	src, err := inventory.NewDirSource(cfg.Inventory.Root, cfg.Inventory.Extension)
	if err != nil {
		return nil, cfg, err
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ix, err := inventory.Load(context.Background(), src, inventory.Options{
		Lazy:        lazy,
		Concurrency: cfg.Inventory.LoadConcurrency,
		Language:    language.Make(cfg.Resolver.Language),
	}, logger)
	return ix, cfg, err
}

func runValidate(path string) (int, int, error) {
	ix, cfg, err := loadIndex(path, false)
	if err != nil {
		return 0, 0, err
	}
	buckets, stems := ix.Size()
	if stems == 0 {
		return buckets, stems, fmt.Errorf("inventory at %s holds no clips", cfg.Inventory.Root)
	}
	return buckets, stems, nil
}

// runResolve prints one JSON line per word, in the order the words were spoken.
func runResolve(path, text string, out io.Writer) error {
	ix, cfg, err := loadIndex(path, true)
	if err != nil {
		return err
	}
	lang := language.Make(cfg.Resolver.Language)
	opts := []lexicon.Option{lexicon.WithCutoff(cfg.Resolver.SimilarityCutoff), lexicon.WithLanguage(lang)}
	if len(cfg.Resolver.Suffixes) > 0 {
		opts = append(opts, lexicon.WithSuffixes(cfg.Resolver.Suffixes))
	}
	resolver := lexicon.New(ix, opts...)

	enc := json.NewEncoder(out)
	for _, word := range translate.Tokenize(text, lang) {
		if err := enc.Encode(resolver.Resolve(word)); err != nil {
			return err
		}
	}
	return nil
}
