// Package ble connects to a badge over Bluetooth Low Energy as a central.
//
// The badge exposes a file-transfer service with one characteristic the
// central writes packets to and one it subscribes to for replies. Every
// write and every notification is one packet.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"badgexfer/internal/link"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

var (
	ServiceUUID = mustParse("42230100-2342-2342-2342-234223422342")
	TxUUID      = mustParse("42230101-2342-2342-2342-234223422342")
	RxUUID      = mustParse("42230102-2342-2342-2342-234223422342")
)

var (
	ErrDeviceNotFound        = errors.New("no matching device found")
	ErrServiceNotFound       = errors.New("file transfer service not found")
	ErrCharacteristicMissing = errors.New("characteristic not found")
)

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// Options selects which peripheral to connect to.
type Options struct {
	// NamePrefix matches the advertised local name, e.g. "card10".
	NamePrefix string
	// Address, when set, matches the device address exactly and wins over
	// NamePrefix.
	Address string
	// ScanTimeout bounds discovery.
	ScanTimeout time.Duration
}

// Advertisement is what Match sees of a scan result.
type Advertisement struct {
	Address    string
	LocalName  string
	HasService bool
}

// Match reports whether an advertisement belongs to the device opts
// describe.
func (o Options) Match(ad Advertisement) bool {
	if o.Address != "" {
		return strings.EqualFold(o.Address, ad.Address)
	}
	if ad.HasService {
		return true
	}
	return o.NamePrefix != "" && strings.HasPrefix(ad.LocalName, o.NamePrefix)
}

// Link is a connected badge.
type Link struct {
	device    bluetooth.Device
	address   string
	tx        bluetooth.DeviceCharacteristic
	inbox     *link.Inbox
	connected atomic.Bool
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ link.Link = (*Link)(nil)

// Connect enables the default adapter, scans for a matching device and
// subscribes to its reply characteristic.
func Connect(ctx context.Context, opts Options) (*Link, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}

	result, err := scan(ctx, adapter, opts)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ble.Connect",
		"address":  result.Address.String(),
		"name":     result.LocalName(),
		"rssi":     result.RSSI,
	}).Info("Connecting to device")

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", result.Address.String(), err)
	}

	l, err := setup(device)
	if err != nil {
		device.Disconnect()
		return nil, err
	}
	l.address = result.Address.String()
	adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		l.connectionChanged(d.Address.String(), connected)
	})
	return l, nil
}

// connectionChanged handles adapter connection events. A disconnect of this
// link's device closes the inbox, so Pump returns and Start fails fast with
// no link instead of waiting out ack deadlines.
func (l *Link) connectionChanged(address string, connected bool) {
	if connected || !strings.EqualFold(address, l.address) {
		return
	}
	if !l.connected.Swap(false) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "ble.connectionChanged",
		"address":  address,
	}).Warn("Device disconnected")
	l.inbox.Close()
}

func scan(ctx context.Context, adapter *bluetooth.Adapter, opts Options) (bluetooth.ScanResult, error) {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.ScanTimeout)
	defer cancel()

	found := make(chan bluetooth.ScanResult, 1)
	stop := context.AfterFunc(ctx, func() { adapter.StopScan() })
	defer stop()

	logrus.WithFields(logrus.Fields{
		"function":    "ble.scan",
		"name_prefix": opts.NamePrefix,
		"address":     opts.Address,
		"timeout":     opts.ScanTimeout,
	}).Info("Scanning for device")

	err := adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		ad := Advertisement{
			Address:    r.Address.String(),
			LocalName:  r.LocalName(),
			HasService: r.HasServiceUUID(ServiceUUID),
		}
		if !opts.Match(ad) {
			return
		}
		select {
		case found <- r:
			a.StopScan()
		default:
		}
	})
	if err != nil {
		return bluetooth.ScanResult{}, fmt.Errorf("scan failed: %w", err)
	}

	select {
	case r := <-found:
		return r, nil
	default:
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return bluetooth.ScanResult{}, err
		}
		return bluetooth.ScanResult{}, ErrDeviceNotFound
	}
}

func setup(device bluetooth.Device) (*Link, error) {
	services, err := device.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", err)
	}
	if len(services) == 0 {
		return nil, ErrServiceNotFound
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{TxUUID, RxUUID})
	if err != nil {
		return nil, fmt.Errorf("characteristic discovery failed: %w", err)
	}

	var tx, rx *bluetooth.DeviceCharacteristic
	for i := range chars {
		switch chars[i].UUID() {
		case TxUUID:
			tx = &chars[i]
		case RxUUID:
			rx = &chars[i]
		}
	}
	if tx == nil || rx == nil {
		return nil, ErrCharacteristicMissing
	}

	l := &Link{
		device: device,
		tx:     *tx,
		inbox:  link.NewInbox(link.DefaultInboxSize),
	}
	if err := rx.EnableNotifications(func(buf []byte) {
		l.inbox.Deliver(buf)
	}); err != nil {
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	l.connected.Store(true)

	logrus.WithFields(logrus.Fields{
		"function": "ble.setup",
	}).Info("File transfer service ready")
	return l, nil
}

func (l *Link) Send(packet []byte) error {
	if !l.connected.Load() {
		return link.ErrNotConnected
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.tx.WriteWithoutResponse(packet); err != nil {
		return fmt.Errorf("characteristic write failed: %w", err)
	}
	return nil
}

func (l *Link) Connected() bool {
	return l.connected.Load()
}

func (l *Link) Packets() <-chan []byte {
	return l.inbox.Packets()
}

func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.connected.Store(false)
		err = l.device.Disconnect()
		l.inbox.Close()
	})
	return err
}
