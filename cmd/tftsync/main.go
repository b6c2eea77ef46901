// Command tftsync drives an ILI9341 TFT over SPI with tear-free
// differential updates and runs a demo animation loop.
package main

import (
	"context"
	"flag"
	"image"
	"image/color"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"tftsync/internal/config"
	"tftsync/internal/convert"
	"tftsync/internal/diff"
	"tftsync/internal/ili9341"
	appLog "tftsync/internal/log"
)

type flagConfig struct {
	configPath string
	rotation   int
	report     bool
}

func main() {
	appLog.Info("tftsync starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.rotation >= 0 {
		conf.Display.Rotation = flags.rotation
	}
	conf.Normalize()

	appLog.Info("effective config",
		"spi_port", conf.Display.SPIPort,
		"spi_speed_hz", conf.Display.SPISpeedHz,
		"rotation", conf.Display.Rotation,
		"vsync_spacing", conf.Display.VSyncSpacing,
		"diff_gap", conf.Display.DiffGap,
		"triple_buffering", conf.Display.TripleBuffering,
		"touch", conf.Touch != nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	dev, err := openDisplay(conf)
	if err != nil {
		appLog.Error("failed to open display", err)
		os.Exit(1)
	}
	defer func() {
		dev.WaitUpdateComplete()
		if err := dev.Sleep(true); err != nil {
			appLog.Error("failed to put display to sleep", err)
		}
	}()

	var sched *cron.Cron
	if conf.StatsCron != "" {
		sched = cron.New()
		if _, err := sched.AddFunc(conf.StatsCron, func() {
			appLog.Info("transfer statistics\n"+dev.Report(),
				"last_vsync_spacing", dev.LastVSyncSpacing())
		}); err != nil {
			appLog.Error("invalid stats cron expression", err, "cron", conf.StatsCron)
			os.Exit(1)
		}
		sched.Start()
		defer sched.Stop()
	}

	runDemo(ctx, dev, conf)
	if flags.report {
		appLog.Info("final statistics\n" + dev.Report())
	}
	appLog.Info("tftsync exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig
	flag.StringVar(&cfg.configPath, "config", "/etc/tftsync/config.yaml", "Path to config file")
	flag.IntVar(&cfg.rotation, "rotation", -1, "Display rotation 0-3 (overrides config if set)")
	flag.BoolVar(&cfg.report, "report", false, "Print a statistics report on exit")
	flag.Parse()
	return cfg
}

// openDisplay wires the SPI port and GPIO pins from the config and brings
// the panel up with the configured update parameters.
func openDisplay(conf *config.Config) (*ili9341.Dev, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}

	port, err := spireg.Open(conf.Display.SPIPort)
	if err != nil {
		return nil, err
	}

	dc := gpioreg.ByName(conf.Display.DCPin)
	var rst gpio.PinOut
	if conf.Display.ResetPin != "" {
		rst = gpioreg.ByName(conf.Display.ResetPin)
	}

	opts := ili9341.DefaultOpts
	opts.SPIClock = physic.Frequency(conf.Display.SPISpeedHz) * physic.Hertz
	opts.Rotation = diff.Rotation(conf.Display.Rotation)
	opts.VSyncSpacing = conf.Display.VSyncSpacing
	opts.DiffGap = conf.Display.DiffGap
	opts.CompareMask = conf.Display.CompareMask
	opts.LateStartRatio = conf.Display.LateStartRatio
	opts.ResyncBias = conf.Display.ResyncBias

	dev, err := ili9341.NewSPI(port, dc, rst, &opts)
	if err != nil {
		return nil, err
	}
	if err := dev.Begin(); err != nil {
		return nil, err
	}
	if conf.Display.RefreshRateHz > 0 {
		got, err := dev.SetRefreshRate(conf.Display.RefreshRateHz)
		if err != nil {
			return nil, err
		}
		appLog.Info("refresh rate set", "requested_hz", conf.Display.RefreshRateHz, "actual_hz", got)
	}

	fb1 := make([]uint16, ili9341.Width*ili9341.Height)
	var fb2 []uint16
	if conf.Display.TripleBuffering {
		fb2 = make([]uint16, ili9341.Width*ili9341.Height)
	}
	if err := dev.SetFramebuffers(fb1, fb2); err != nil {
		return nil, err
	}
	dev.SetDiffBuffers(
		diff.NewBuffer(conf.Display.DiffBufferSize),
		diff.NewBuffer(conf.Display.DiffBufferSize),
	)

	if tc := conf.Touch; tc != nil {
		tport, err := spireg.Open(tc.SPIPort)
		if err != nil {
			return nil, err
		}
		var irq gpio.PinIn
		if tc.IRQPin != "" {
			irq = gpioreg.ByName(tc.IRQPin)
		}
		touch, err := ili9341.NewTouch(tport, irq)
		if err != nil {
			return nil, err
		}
		dev.AttachTouch(touch)
		dev.SetTouchRange(tc.MinX, tc.MaxX, tc.MinY, tc.MaxY)
	}
	return dev, nil
}

// runDemo renders a moving color pattern until the context is canceled. A
// touch, when a controller is attached, recenters the pattern.
func runDemo(ctx context.Context, dev *ili9341.Dev, conf *config.Config) {
	w, h := dev.Width(), dev.Height()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	frame := make([]uint16, w*h)

	var pace <-chan time.Time
	if conf.TargetFPS > 0 {
		t := time.NewTicker(time.Duration(float64(time.Second) / conf.TargetFPS))
		defer t.Stop()
		pace = t.C
	}

	cx, cy := float64(w)/2, float64(h)/2
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if x, y, z := dev.ReadTouch(); z > 0 {
			cx, cy = float64(x), float64(y)
		}
		renderPlasma(img, time.Since(start).Seconds(), cx, cy)
		if err := convert.FromNRGBA(img, frame, w, h); err != nil {
			appLog.Error("frame conversion failed", err)
			return
		}
		if err := dev.Update(frame, false); err != nil {
			appLog.Error("frame update failed", err)
		}

		if pace != nil {
			select {
			case <-ctx.Done():
				return
			case <-pace:
			}
		}
	}
}

// renderPlasma draws a classic plasma effect centered on (cx, cy).
func renderPlasma(img *image.NRGBA, t, cx, cy float64) {
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		fy := float64(y)
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			fx := float64(x)
			dx, dy := fx-cx, fy-cy
			v := math.Sin(fx/16+t) +
				math.Sin(fy/12-t) +
				math.Sin(math.Sqrt(dx*dx+dy*dy)/8 + 2*t)
			c := plasmaColor(v)
			i := x * 4
			row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, 0xff
		}
	}
}

func plasmaColor(v float64) color.NRGBA {
	return color.NRGBA{
		R: uint8(128 + 127*math.Sin(v*math.Pi)),
		G: uint8(128 + 127*math.Sin(v*math.Pi+2*math.Pi/3)),
		B: uint8(128 + 127*math.Sin(v*math.Pi+4*math.Pi/3)),
	}
}
