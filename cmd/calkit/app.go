package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/lsrcm/calkit/pkg/app"
	"github.com/lsrcm/calkit/pkg/devices"
	"github.com/lsrcm/calkit/pkg/usbms"
)

type desktopUsb struct {
	usb  *gousb.Device
	done func()
}

func (d *desktopUsb) UseDiskInterface() (usbms.Endpoints, error) {
	out := usbms.Endpoints{}

	if err := d.usb.SetAutoDetach(true); err != nil {
		return out, err
	}
	cfgNum, err := d.usb.ActiveConfigNum()
	if err != nil {
		return out, err
	}
	cfg, err := d.usb.Config(cfgNum)
	if err != nil {
		return out, err
	}
	i, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return out, err
	}
	d.done = func() {
		i.Close()
		cfg.Close()
	}
	eps := d.usb.Desc.Configs[cfg.Desc.Number].Interfaces[0].AltSettings[0].Endpoints
	for _, ep := range eps {
		var err error
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			out.In, err = i.InEndpoint(ep.Number)
		case gousb.EndpointDirectionOut:
			out.Out, err = i.OutEndpoint(ep.Number)
		}
		if err != nil {
			return out, err
		}
	}

	if out.In == nil || out.Out == nil {
		return out, fmt.Errorf("did not find both IN and OUT endpoint on mass storage interface")
	}

	return out, nil
}

func (d *desktopUsb) Close() error {
	if d.done != nil {
		d.done()
		d.done = nil
	}
	return d.usb.Close()
}

// openUMS finds the first known UMS device and returns a Storage over it.
func openUMS(a *app.App) (devices.Storage, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	a.OnClose(func() error {
		if err := ctx.Close(); err != nil {
			return fmt.Errorf("when closing context: %w", err)
		}
		return nil
	})

	var errs error
	for _, deviceDesc := range devices.Descriptions {
		usb, err := ctx.OpenDeviceWithVIDPID(deviceDesc.VID, deviceDesc.PID)
		if err != nil {
			errs = multierror.Append(errs, err)
		}

		if usb == nil {
			continue
		}

		d := &desktopUsb{usb: usb}
		a.OnClose(func() error {
			if err := d.Close(); err != nil {
				return fmt.Errorf("when closing USB device: %w", err)
			}
			return nil
		})
		eps, err := d.UseDiskInterface()
		if err != nil {
			return nil, fmt.Errorf("could not claim mass storage interface of %s: %w", deviceDesc.Name, err)
		}
		slog.Info("Found device", "device", deviceDesc.Name)
		return usbms.NewDisk(&usbms.Host{Endpoints: eps}, deviceDesc.LUNs), nil
	}
	if errs == nil {
		return nil, fmt.Errorf("no device found")
	}
	return nil, errs
}

func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

// newApp loads keys and, if withStorage is set, attaches either the image
// given by --image or the first UMS device found.
func newApp(withStorage bool) (*app.App, error) {
	local, donor, err := app.LoadKeys(flagKeys, flagDonorKeys)
	if err != nil {
		return nil, err
	}
	a := &app.App{
		Kind:      devices.SysMMC,
		Keys:      local,
		DonorKeys: donor,
		OutDir:    flagOut,
	}
	if flagEmuMMC {
		a.Kind = devices.EmuMMC
	}
	if !withStorage {
		return a, nil
	}

	if flagImage != "" {
		a.Storage = &devices.Image{Dir: flagImage}
		return a, nil
	}
	st, err := openUMS(a)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Storage = st
	return a, nil
}

// confirm asks before a destructive operation, unless --yes was given.
func confirm(what string) error {
	if flagYes {
		return nil
	}
	fmt.Fprintf(os.Stderr, "About to %s. Continue? [y/N] ", what)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return fmt.Errorf("no confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("aborted")
}

// progress returns a sectorio progress callback logging every 10%.
func progress(what string) func(done, total int64) {
	last := int64(-1)
	return func(done, total int64) {
		if total == 0 {
			return
		}
		step := done * 10 / total
		if step == last {
			return
		}
		last = step
		slog.Info(what, "percent", step*10)
	}
}
