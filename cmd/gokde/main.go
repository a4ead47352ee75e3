// Command gokde smooths scattered point data with a kernel density
// reconstruction, optionally decomposed over several in-process ranks.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/notargets/gokde/config"
	"github.com/notargets/gokde/plotting"
	"github.com/notargets/gokde/quickindex"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:           "gokde",
		Short:         "Kernel density reconstruction of scattered point data",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log index and reconstruction details")
	root.AddCommand(newReconstructCmd(), newWindowCmd(), newVersionCmd())
	return root
}

func newReconstructCmd() *cobra.Command {
	var cfgFile string
	var plotBins int
	cmd := &cobra.Command{
		Use:   "reconstruct",
		Short: "Smooth the configured point table and write the result table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadFile(cfgFile)
			if err != nil {
				return err
			}
			pts, err := readPoints(cfg)
			if err != nil {
				return err
			}
			logrus.WithFields(logrus.Fields{
				"points": len(pts.locs),
				"method": cfg.Kernel.Method,
				"ranks":  cfg.Run.Ranks,
			}).Info("reconstructing")

			result, err := reconstruct(cfg, pts)
			if err != nil {
				return err
			}
			if err = writeResults(cfg.Output.File, cfg, pts, result); err != nil {
				return fmt.Errorf("writing %s: %w", cfg.Output.File, err)
			}
			logrus.WithField("file", cfg.Output.File).Info("results written")

			if cfg.Output.Plot == "" {
				return nil
			}
			xs, ys, err := profile(cfg, pts, result, plotBins)
			if err != nil {
				return err
			}
			title := fmt.Sprintf("%s reconstruction", cfg.Kernel.Method)
			if err = plotting.WriteProfile(cfg.Output.Plot, xs, ys, title, cfg.Backend()); err != nil {
				return err
			}
			logrus.WithField("file", cfg.Output.Plot).Info("profile plotted")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "gokde.cfg", "run configuration (.cfg/.ini or .toml)")
	cmd.Flags().IntVar(&plotBins, "plot-bins", 50, "profile cells along the first axis")
	return cmd
}

func newWindowCmd() *cobra.Command {
	var (
		cfgFile    string
		x0, y0, w  float64
		bins       int
		modeName   string
		fill       bool
		outputPlot string
	)
	cmd := &cobra.Command{
		Use:   "window",
		Short: "Map the input values around a point onto a 1D grid window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadFile(cfgFile)
			if err != nil {
				return err
			}
			mode, err := quickindex.ParseMapMode(modeName)
			if err != nil {
				return err
			}
			if w <= 0 {
				w = cfg.Index.MaxWindowSize
			}
			pts, err := readPoints(cfg)
			if err != nil {
				return err
			}
			xs, ys, owner, err := mapWindow(cfg, pts, windowRequest{
				center: [3]float64{x0, y0, 0},
				width:  w,
				bins:   bins,
				mode:   mode,
				fill:   fill,
			})
			if err != nil {
				return err
			}
			logrus.WithField("rank", owner).Debug("window mapped")
			for i := range xs {
				fmt.Fprintf(cmd.OutOrStdout(), "%.17g %.17g\n", xs[i], ys[i])
			}
			if outputPlot == "" {
				return nil
			}
			title := fmt.Sprintf("%s window at (%g, %g)", mode, x0, y0)
			return plotting.WriteProfile(outputPlot, xs, ys, title, cfg.Backend())
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "c", "gokde.cfg", "run configuration (.cfg/.ini or .toml)")
	cmd.Flags().Float64Var(&x0, "x0", 0, "window center, first axis")
	cmd.Flags().Float64Var(&y0, "y0", 0, "window center, second axis")
	cmd.Flags().Float64Var(&w, "width", 0, "window width; defaults to Index.MaxWindowSize")
	cmd.Flags().IntVar(&bins, "bins", 10, "cells along the first axis")
	cmd.Flags().StringVar(&modeName, "mode", quickindex.MapAve.String(), "cell aggregation: max, min, ave or nearest")
	cmd.Flags().BoolVar(&fill, "fill", false, "copy the last populated cell into following empty cells")
	cmd.Flags().StringVar(&outputPlot, "plot", "", "optional plot file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gokde version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gokde", version)
		},
	}
}
