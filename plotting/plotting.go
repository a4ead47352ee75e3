// Package plotting draws 1D profiles of reconstructed fields, such as a
// grid window mapped along one axis.
package plotting

import (
	"fmt"

	plt "github.com/phil-mansfield/pyplot"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// Backend selects the renderer
type Backend int

const (
	BackendGonum  Backend = iota // PNG/SVG/PDF through gonum.org/v1/plot, chosen by extension
	BackendPyplot                // matplotlib script run through python
)

func (b Backend) String() string {
	switch b {
	case BackendGonum:
		return "gonum"
	case BackendPyplot:
		return "pyplot"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend accepts the names returned by Backend.String
func ParseBackend(s string) (Backend, error) {
	for b := BackendGonum; b <= BackendPyplot; b++ {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("unknown plot backend %q", s)
}

// profile implements plotter.XYer over parallel slices
type profile struct{ xs, ys []float64 }

func (p profile) Len() int                    { return len(p.xs) }
func (p profile) XY(i int) (float64, float64) { return p.xs[i], p.ys[i] }

// WriteProfile plots ys against xs as a single line and saves it to path
func WriteProfile(path string, xs, ys []float64, title string, backend Backend) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("profile has %d x values and %d y values", len(xs), len(ys))
	}
	if len(xs) == 0 {
		return fmt.Errorf("empty profile")
	}
	switch backend {
	case BackendGonum:
		return writeGonum(path, profile{xs, ys}, title)
	case BackendPyplot:
		plt.Figure()
		plt.Plot(xs, ys, "k", plt.LW(2))
		plt.Title(title)
		plt.XLabel("x", plt.FontSize(16))
		plt.YLabel("value", plt.FontSize(16))
		plt.SaveFig(path)
		plt.Execute()
		return nil
	}
	return fmt.Errorf("unknown plot backend %s", backend)
}

func writeGonum(path string, xy plotter.XYer, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "x"
	p.Y.Label.Text = "value"

	line, err := plotter.NewLine(xy)
	if err != nil {
		return fmt.Errorf("profile line: %w", err)
	}
	p.Add(line)
	if err = p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}
