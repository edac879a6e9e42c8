package report

import (
	"fmt"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"

	accountdomain "github.com/smallbiznis/tidemark/internal/account/domain"
)

func renderMonthlyUsage(account *accountdomain.Response, from, to time.Time, rows []monthlyRow, summary monthlySummary, generatedAt time.Time) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, "Water Usage Report", props.Text{
			Size:  20,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New(account.DisplayName, props.Text{Size: 11, Style: fontstyle.Bold}),
			text.New("Portal account: "+account.Username, props.Text{Size: 9, Top: 6}),
			text.New("Status: "+string(account.Status), props.Text{Size: 9, Top: 11}),
		),
		col.New(6).Add(
			text.New("Period: "+from.Format("January 2006")+" to "+to.Format("January 2006"), props.Text{Size: 9, Align: align.Right}),
			text.New("Generated: "+generatedAt.Format("02 Jan 2006 15:04 MST"), props.Text{Size: 9, Top: 6, Align: align.Right}),
		),
	)

	m.AddRow(10,
		text.NewCol(4, "Month", props.Text{Size: 9, Style: fontstyle.Bold}),
		text.NewCol(4, "Usage ("+summary.Unit+")", props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
		text.NewCol(4, "Notes", props.Text{Size: 9, Style: fontstyle.Bold, Align: align.Right}),
	)

	for _, row := range rows {
		m.AddRow(8,
			text.NewCol(4, row.Month, props.Text{Size: 9}),
			text.NewCol(4, row.Usage, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(4, row.Note, props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(12,
		col.New(4),
		text.NewCol(4, "Total", props.Text{Size: 10, Style: fontstyle.Bold, Top: 3}),
		text.NewCol(4, fmt.Sprintf("%.1f %s", summary.Total, summary.Unit), props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right, Top: 3}),
	)
	m.AddRow(8,
		col.New(4),
		text.NewCol(8, fmt.Sprintf("%d of %d months reported", summary.WithData, summary.Months), props.Text{Size: 8, Align: align.Right}),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return doc.GetBytes(), nil
}
