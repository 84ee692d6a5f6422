package main

import (
  "context"
  "fmt"
  "os"
  "os/signal"
  "sort"
  "syscall"
  "time"

  "btrfs_syncd/factory"
  "btrfs_syncd/types"
  "btrfs_syncd/util"

  "github.com/dustin/go-humanize"
  "github.com/spf13/cobra"
)

var config_path string
var quiet bool

func main() {
  if err := rootCmd.Execute(); err != nil { os.Exit(1) }
}

// Cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
  return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newFactory() (types.Factory, *types.Config, error) {
  util.SetDebug(!quiet)
  conf, err := util.LoadConfig(config_path)
  if err != nil { return nil, nil, err }
  fact, err := factory.NewFactory(conf)
  return fact, conf, err
}

var rootCmd = &cobra.Command{
  Use: "btrfs_syncd",
  Short: "Replicates btrfs snapshots to a backup server over mutual TLS",
  SilenceUsage: true,
}

var serverCmd = &cobra.Command{
  Use: "server",
  Short: "Accept snapshots from the clients in the path table",
  Args: cobra.NoArgs,
  RunE: func(cmd *cobra.Command, args []string) error {
    ctx, cancel := signalContext()
    defer cancel()
    fact, _, err := newFactory()
    if err != nil { return err }
    server, err := fact.BuildSessionServer(ctx)
    if err != nil { return err }
    if err = server.Listen(); err != nil { return err }
    return server.Serve(ctx)
  },
}

var clientCmd = &cobra.Command{
  Use: "client",
  Short: "Send the newest snapshot of every configured subvolume and prune the rest",
  Args: cobra.NoArgs,
  RunE: func(cmd *cobra.Command, args []string) error {
    ctx, cancel := signalContext()
    defer cancel()
    fact, _, err := newFactory()
    if err != nil { return err }
    client, err := fact.BuildTransferClient(ctx)
    if err != nil { return err }
    outcomes, err := client.BackupAll(ctx)
    if err != nil { return err }

    failed := 0
    for _,o := range outcomes {
      switch {
        case o.Err != nil:
          failed += 1
          fmt.Printf("FAIL  %-20s %v\n", o.Subvolume, o.Err)
        case o.Skipped:
          fmt.Printf("SKIP  %-20s %s already on remote\n", o.Subvolume, o.Newest)
        default:
          fmt.Printf("OK    %-20s %s (%s)\n", o.Subvolume, o.Newest, humanize.Bytes(uint64(o.Result.Bytes)))
      }
    }
    if failed > 0 { return fmt.Errorf("%d of %d subvolumes failed", failed, len(outcomes)) }
    return nil
  },
}

var scanCmd = &cobra.Command{
  Use: "scan <root>",
  Short: "Show what the client would send and prune under a snapshot directory",
  Args: cobra.ExactArgs(1),
  RunE: func(cmd *cobra.Command, args []string) error {
    ctx, cancel := signalContext()
    defer cancel()
    fact, _, err := newFactory()
    if err != nil { return err }
    catalog, err := fact.BuildSnapshotCatalog(ctx)
    if err != nil { return err }
    records, scan_err := catalog.Scan(args[0])
    names := make([]string, 0, len(records))
    for name := range records { names = append(names, name) }
    sort.Strings(names)
    for _,name := range names {
      rec := records[name]
      fmt.Printf("%-20s base=%-30s newest=%-30s extra=%d synced=%v\n",
                 name, util.CoalesceStr(rec.Base, "-"), rec.Newest, len(rec.Extra), rec.IsSynced())
    }
    return scan_err
  },
}

var journalCmd = &cobra.Command{
  Use: "journal",
  Short: "Inspect the server session journal",
}

var journalListCmd = &cobra.Command{
  Use: "list <identity>",
  Short: "List the sessions of a client identity, oldest first",
  Args: cobra.ExactArgs(1),
  RunE: func(cmd *cobra.Command, args []string) error {
    ctx, cancel := signalContext()
    defer cancel()
    fact, conf, err := newFactory()
    if err != nil { return err }
    journal, err := fact.BuildSessionJournal(ctx)
    if err != nil { return err }
    if journal == nil { return fmt.Errorf("%w journal type is '%s'", types.ErrBadConfig, conf.Journal.Type) }
    recs, err := journal.ListSessions(ctx, args[0])
    if err != nil { return err }
    for _,rec := range recs {
      fmt.Printf("%s %-14s %-9s rc=%-3d %10s %s\n",
                 rec.Uuid, humanize.Time(time.Unix(rec.StartTs, 0)), rec.State, rec.ReturnCode,
                 humanize.Bytes(uint64(rec.Bytes)), rec.Reason)
    }
    return nil
  },
}

var journalSetupCmd = &cobra.Command{
  Use: "setup",
  Short: "Create the remote table or bucket backing the journal",
  Args: cobra.NoArgs,
  RunE: func(cmd *cobra.Command, args []string) error {
    ctx, cancel := signalContext()
    defer cancel()
    fact, _, err := newFactory()
    if err != nil { return err }
    admin, err := fact.BuildSessionJournalAdmin(ctx)
    if err != nil { return err }
    return <-admin.SetupJournal(ctx)
  },
}

func init() {
  rootCmd.PersistentFlags().StringVarP(&config_path, "config", "c", types.DefaultConfigPath, "path to the toml config")
  rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "do not print debug messages")
  journalCmd.AddCommand(journalListCmd, journalSetupCmd)
  rootCmd.AddCommand(serverCmd, clientCmd, scanCmd, journalCmd)
}
