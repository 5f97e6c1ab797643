// Package main provides the voxcache CLI, a small front end over the
// clip loader and its disk cache.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/voxcache/voxcache/clip"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile  string
	debug       bool
	outputPath  string
	policyFlag  string
	concurrency int
	olderThan   time.Duration
	loadTimeout time.Duration

	rootCmd = &cobra.Command{
		Use:           "voxcache",
		Short:         "Fetch and cache synthesized speech clips",
		SilenceErrors: false,
		SilenceUsage:  true,
	}

	speakCmd = &cobra.Command{
		Use:   "speak [TEXT]",
		Short: "Acquire a clip and write its audio to a file or stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSpeak,
	}

	prefetchCmd = &cobra.Command{
		Use:   "prefetch [FILE]",
		Short: "Download a clip to the disk cache for every line of FILE (or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runPrefetch,
	}

	purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Remove cached clips older than a cutoff",
		Args:  cobra.NoArgs,
		RunE:  runPurge,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print disk cache statistics",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
)

func textFromArgs(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	// no argument, or an explicit "-": read stdin
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("unable to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func requestOptions(cfg appConfig) ([]clip.Option, error) {
	opts := []clip.Option{clip.WithVoiceSettings(cfg.voiceSettings())}
	if policyFlag != "" {
		cfg.Policy = policyFlag
	}
	policy, err := cfg.diskPolicy()
	if err != nil {
		return nil, err
	}
	return append(opts, clip.WithDiskCachePolicy(policy)), nil
}

func runSpeak(_ *cobra.Command, args []string) error {
	text, err := textFromArgs(args)
	if err != nil {
		return err
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	loader, store, err := cfg.buildLoader()
	if err != nil {
		return err
	}
	defer func() {
		loader.Close()
		_ = store.Close()
	}()

	opts, err := requestOptions(cfg)
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	handle := loader.Load(text, func(err error) { done <- err }, opts...)

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("unable to load clip: %w", err)
		}
	case <-time.After(loadTimeout):
		loader.Cancel(handle)
		return fmt.Errorf("timed out after %s waiting for clip %s", loadTimeout, handle.ID())
	}

	rec, ok := loader.Record(handle)
	if !ok {
		return fmt.Errorf("clip %s was evicted before it could be written", handle.ID())
	}
	sink, ok := rec.Sink().(*clip.BufferSink)
	if !ok {
		return fmt.Errorf("clip %s has no audio buffer", handle.ID())
	}
	audio := sink.Bytes()

	out := os.Stdout
	if outputPath != "" && outputPath != "-" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("unable to create output file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		out = f
	}
	if _, err := out.Write(audio); err != nil {
		return fmt.Errorf("unable to write audio: %w", err)
	}

	log.Info("Clip written",
		"id", handle.ID(),
		"size", humanize.Bytes(uint64(len(audio))), //nolint:gosec
		"duration", rec.LoadDuration())
	return nil
}

func runPrefetch(_ *cobra.Command, args []string) error {
	var in io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("unable to open file: %w", err)
		}
		defer f.Close() //nolint:errcheck
		in = f
	}

	var lines []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("unable to read input: %w", err)
	}
	if len(lines) == 0 {
		return nil
	}

	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	loader, store, err := cfg.buildLoader()
	if err != nil {
		return err
	}
	defer func() {
		loader.Close()
		_ = store.Close()
	}()

	opts, err := requestOptions(cfg)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, line := range lines {
		line := line
		g.Go(func() error {
			done := make(chan error, 1)
			loader.DownloadToDiskCache(line, func(path string, err error) {
				if err == nil {
					log.Debug("Clip cached", "path", path)
				}
				done <- err
			}, opts...)
			if err := <-done; err != nil {
				return fmt.Errorf("%q: %w", line, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stats := store.Stats()
	log.Info("Prefetch complete",
		"clips", len(lines),
		"cacheSize", humanize.Bytes(uint64(stats.Size))) //nolint:gosec
	return nil
}

func runPurge(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	store, err := cfg.openStore()
	if err != nil {
		return fmt.Errorf("could not open disk cache: %w", err)
	}
	defer store.Close() //nolint:errcheck

	removed := store.RemoveOlderThan(time.Now().Add(-olderThan))
	fmt.Printf("Removed %d clip(s) older than %s; cache now %s\n",
		removed, olderThan, humanize.Bytes(uint64(store.Size()))) //nolint:gosec
	return nil
}

func runStats(_ *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	store, err := cfg.openStore()
	if err != nil {
		return fmt.Errorf("could not open disk cache: %w", err)
	}
	defer store.Close() //nolint:errcheck

	stats := store.Stats()
	fmt.Printf("Directory:  %s\n", cfg.CacheDir)
	fmt.Printf("Clips:      %d\n", stats.ItemCount)
	fmt.Printf("Size:       %s of %s\n",
		humanize.Bytes(uint64(stats.Size)),     //nolint:gosec
		humanize.Bytes(uint64(stats.Capacity))) //nolint:gosec
	fmt.Printf("Hits:       %d\n", stats.Hits)
	fmt.Printf("Misses:     %d\n", stats.Misses)
	fmt.Printf("Evictions:  %d\n", stats.Evictions)
	return nil
}

// setupLog configures the global logger. Logs go to VOXCACHE_LOGFILE when
// set, otherwise stderr. The returned closer flushes the log file.
func setupLog() (func() error, error) {
	log.SetOutput(os.Stderr)
	if debug || os.Getenv("VOXCACHE_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
	if path := os.Getenv("VOXCACHE_LOGFILE"); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
		if err != nil {
			return nil, fmt.Errorf("error setting up log file: %w", err)
		}
		log.SetOutput(f)
		log.SetReportTimestamp(true)
		return f.Close, nil
	}
	return func() error { return nil }, nil
}

func main() {
	closer, err := setupLog()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		_ = closer()
		os.Exit(1)
	}
	_ = closer()
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&policyFlag, "policy", "", "disk cache policy (never, on_demand, preload)")

	speakCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write audio to file instead of stdout")
	speakCmd.Flags().DurationVar(&loadTimeout, "timeout", 2*time.Minute, "give up waiting for the clip after this long")
	prefetchCmd.Flags().IntVarP(&concurrency, "concurrency", "c", 4, "number of parallel downloads")
	purgeCmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "remove clips last used longer ago than this")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetDefault("synth.timeout", "30s")
	viper.SetDefault("voice.language", "en-US")
	viper.SetDefault("voice.speed", 1.0)
	viper.SetDefault("cache.capacity", 500*1024*1024)
	viper.SetDefault("cache.runtime_capacity", 64*1024*1024)
	viper.SetDefault("cache.compression_level", 3)
	viper.SetDefault("cache.policy", "on_demand")

	rootCmd.AddCommand(speakCmd, prefetchCmd, purgeCmd, statsCmd)
}
