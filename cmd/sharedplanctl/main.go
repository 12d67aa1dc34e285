// Command sharedplanctl is a reference administrative client for the
// shared plan cache, grounded on the teacher's cmd/datalog/main.go
// flag-based CLI shape. It talks to an in-process admin.Surface, since
// the real transport (a SQL function, an HTTP endpoint) is host-specific
// and outside the core.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/wbrown/sharedplan"
	"github.com/wbrown/sharedplan/admin"
	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/rdepend"
	"github.com/wbrown/sharedplan/shmem"
)

func main() {
	var cmd string
	var userID, databaseID, queryID uint64
	var help bool

	flag.BoolVar(&help, "h", false, "show help")
	flag.Uint64Var(&userID, "user", 0, "user_id filter for reset (0 = any)")
	flag.Uint64Var(&databaseID, "db", 0, "database_id filter for reset (0 = any)")
	flag.Uint64Var(&queryID, "query", 0, "query_id filter for reset (0 = any)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <info|list|reset>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s info\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s list\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -db 16384 reset\n", os.Args[0])
	}
	flag.Parse()

	if help || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}
	cmd = flag.Arg(0)

	// This reference CLI has no live host to attach to, so it stands up an
	// empty cache of its own to demonstrate the surface; a real deployment
	// wires admin.NewSurface to the host process's already-running table.
	cfg := sharedplan.NewConfig()
	arena := shmem.NewHeapArena(0)
	rdeps := rdepend.NewTable(cfg.RdependMax)
	table := entrytable.NewTable(cfg.Max, arena, rdeps)
	surface, err := admin.NewSurface(table, arena, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sharedplanctl: %v\n", err)
		os.Exit(1)
	}

	switch cmd {
	case "info":
		printInfo(surface)
	case "list":
		printList(surface)
	case "reset":
		n := surface.Reset(userID, databaseID, queryID)
		fmt.Printf("%s %d entries\n", color.GreenString("reset"), n)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(1)
	}
}

func printInfo(s *admin.Surface) {
	info := s.Info()
	status := color.RedString("disabled")
	if info.Enabled {
		status = color.GreenString("enabled")
	}
	fmt.Printf("status:           %s\n", status)
	fmt.Printf("entries:          %d / %d\n", info.Entries, info.MaxEntries)
	fmt.Printf("alloced bytes:    %d\n", info.AllocedBytes)
	fmt.Printf("eviction passes:  %d\n", info.DeallocCount)
	fmt.Printf("median usage:     %.3f\n", info.CurMedianUsage)
	if info.StatsReset.IsZero() {
		fmt.Printf("stats reset:      never\n")
	} else {
		fmt.Printf("stats reset:      %s\n", info.StatsReset.Format(time.RFC3339))
	}
}

func printList(s *admin.Surface) {
	entries := s.List()
	if len(entries) == 0 {
		fmt.Println(color.YellowString("no resident entries"))
		return
	}

	alignment := make([]tw.Align, 7)
	for i := range alignment {
		alignment[i] = tw.AlignNone
	}
	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithRenderer(renderer.NewMarkdown()),
		tablewriter.WithAlignment(alignment),
		tablewriter.WithHeaderAutoFormat(tw.Off),
	)
	table.Header([]string{"database_id", "query_id", "const_id", "state", "plan_len", "bypass", "usage"})

	for _, e := range entries {
		state := color.YellowString("discarded")
		if e.State == entrytable.PlanLive {
			state = color.GreenString("live")
		}
		table.Append([]string{
			fmt.Sprintf("%d", e.Key.DatabaseID),
			fmt.Sprintf("%d", e.Key.QueryID),
			fmt.Sprintf("%d", e.Key.ConstID),
			state,
			fmt.Sprintf("%d", e.PlanLen),
			fmt.Sprintf("%d", e.Bypass),
			fmt.Sprintf("%.2f", e.Usage),
		})
	}
	table.Render()
}
