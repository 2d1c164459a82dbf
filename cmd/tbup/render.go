package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"tbup-go/internal/database"
	"tbup-go/internal/tbup"
)

const timeFormat = "2006-01-02 15:04:05"

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderSummary(w io.Writer, s *tbup.Summary) {
	table := newTable(w, "Committed", "Rapid", "Skipped", "Failed", "Scan faults")
	table.Append(lo.Map([]int{s.Committed, s.RapidUploaded, s.Skipped, s.Failed, s.ScanFaults}, func(n int, _ int) string {
		return strconv.Itoa(n)
	}))
	table.Render()
}

func renderPending(w io.Writer, pending []tbup.PendingUpload) {
	table := newTable(w, "Stage", "Blocks", "Size", "File", "Remote")
	for _, p := range pending {
		blocks := "-"
		if p.Blocks > 0 {
			blocks = fmt.Sprintf("%d/%d", p.Confirmed, p.Blocks)
		}
		table.Append([]string{p.Stage(), blocks, humanize.IBytes(uint64(p.Size)), p.LocalPath, p.RemotePath})
	}
	table.Render()
}

func renderRuns(w io.Writer, runs []*database.Run) {
	table := newTable(w, "Run", "Started", "Status", "Duration", "Account", "Local", "Remote", "Done", "Failed")
	for _, r := range runs {
		duration := ""
		if r.FinishedAt.Valid {
			duration = r.FinishedAt.Time.Sub(r.StartedAt).Truncate(time.Millisecond).String()
		}
		table.Append([]string{
			"#" + strconv.FormatInt(r.ID, 10),
			r.StartedAt.Local().Format(timeFormat),
			r.Status,
			duration,
			r.Account,
			r.LocalRoot,
			r.RemoteRoot,
			strconv.Itoa(r.Summary.Committed + r.Summary.RapidUploaded),
			strconv.Itoa(r.Summary.Failed),
		})
	}
	table.Render()
}

func renderFileLog(w io.Writer, events []*database.FileEventRecord) {
	table := newTable(w, "Run", "When", "Outcome", "Size", "Remote", "Detail")
	for _, e := range events {
		table.Append([]string{
			"#" + strconv.FormatInt(e.RunID, 10),
			e.CreatedAt.Local().Format(timeFormat),
			string(e.Outcome),
			humanize.IBytes(uint64(e.Size)),
			e.RemotePath,
			e.Detail,
		})
	}
	table.Render()
}
