package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/loykin/unitd/pkg/client"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printUnits(w io.Writer, units []client.UnitStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "UNIT\tLOAD\tACTIVE\tSUB\tJOB\tDESCRIPTION")
	for _, u := range units {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", u.ID, u.Load, u.Active, u.Sub, orNone(u.Job), u.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d units listed.\n", len(units))
	return err
}

func printUnit(w io.Writer, u client.UnitStatus) error {
	_, _ = fmt.Fprintf(w, "%s", u.ID)
	if u.Description != "" {
		_, _ = fmt.Fprintf(w, " - %s", u.Description)
	}
	_, _ = fmt.Fprintln(w)
	load := u.Load
	if u.LoadError != "" {
		load += " (" + u.LoadError + ")"
	}
	_, _ = fmt.Fprintf(w, "    Loaded: %s\n", load)
	active := fmt.Sprintf("%s (%s)", u.Active, u.Sub)
	if !u.Since.IsZero() {
		active += " since " + u.Since.Local().Format(time.RFC3339)
	}
	_, _ = fmt.Fprintf(w, "    Active: %s\n", active)
	if u.Invocation != "" {
		_, _ = fmt.Fprintf(w, "Invocation: %s\n", u.Invocation)
	}
	if u.Job != "" {
		_, _ = fmt.Fprintf(w, "       Job: %s\n", u.Job)
	}
	for _, pid := range u.Pids {
		_, _ = fmt.Fprintf(w, "       PID: %d\n", pid)
	}
	rels := make([]string, 0, len(u.Deps))
	for rel := range u.Deps {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	for _, rel := range rels {
		_, err := fmt.Fprintf(w, "%10s: %s\n", rel, strings.Join(u.Deps[rel], " "))
		if err != nil {
			return err
		}
	}
	return nil
}

// readPassword takes the first argument or the first line of r.
func readPassword(r io.Reader, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}
