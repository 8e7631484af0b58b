package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/unitd"
)

func historyDSN(cfgPath, dsn string) (string, error) {
	if dsn != "" {
		return dsn, nil
	}
	cfg, err := unitd.LoadConfig(cfgPath)
	if err != nil {
		return "", err
	}
	for _, h := range cfg.History {
		d := strings.ToLower(h.DSN)
		if strings.HasPrefix(d, "sqlite://") || strings.HasPrefix(d, "postgres") || !strings.Contains(d, "://") {
			return h.DSN, nil
		}
	}
	return "", errors.New("no readable history sink configured, pass --dsn")
}

func runHistory(cmd *cobra.Command, cfgPath, unit string, flags HistoryFlags) error {
	dsn, err := historyDSN(cfgPath, flags.DSN)
	if err != nil {
		return err
	}
	r, err := unitd.OpenHistory(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	evs, err := r.Recent(cmd.Context(), unit, flags.Limit)
	if err != nil {
		return err
	}
	if flags.JSON {
		if evs == nil {
			evs = []unitd.HistoryEvent{}
		}
		return printJSON(cmd.OutOrStdout(), evs)
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tFROM\tTO\tSUB\tPIDS")
	for _, e := range evs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.OccurredAt.Local().Format(time.RFC3339), e.Type, e.From, e.To, orNone(e.SubState), pidList(e.Pids))
	}
	return tw.Flush()
}

func pidList(pids []int) string {
	if len(pids) == 0 {
		return "-"
	}
	s := make([]string, len(pids))
	for i, p := range pids {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}
