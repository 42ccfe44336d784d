package ble

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// The card10 service carries everything that is not file transfer: clock,
// motor, LEDs and the light sensor.
var (
	ControlServiceUUID = mustParse("42230200-2342-2342-2342-234223422342")

	TimeUUID              = mustParse("42230201-2342-2342-2342-234223422342")
	VibrateUUID           = mustParse("4223020f-2342-2342-2342-234223422342")
	RocketsUUID           = mustParse("42230210-2342-2342-2342-234223422342")
	BackgroundBottomLeft  = mustParse("42230211-2342-2342-2342-234223422342")
	BackgroundBottomRight = mustParse("42230212-2342-2342-2342-234223422342")
	BackgroundTopRight    = mustParse("42230213-2342-2342-2342-234223422342")
	BackgroundTopLeft     = mustParse("42230214-2342-2342-2342-234223422342")
	DimBottomUUID         = mustParse("42230215-2342-2342-2342-234223422342")
	DimTopUUID            = mustParse("42230216-2342-2342-2342-234223422342")
	AboveLEDsUUID         = mustParse("42230220-2342-2342-2342-234223422342")
	SingleLEDUUID         = mustParse("422302ef-2342-2342-2342-234223422342")
	LightSensorUUID       = mustParse("422302f0-2342-2342-2342-234223422342")
)

var controlUUIDs = []bluetooth.UUID{
	TimeUUID, VibrateUUID, RocketsUUID,
	BackgroundBottomLeft, BackgroundBottomRight, BackgroundTopRight, BackgroundTopLeft,
	DimBottomUUID, DimTopUUID, AboveLEDsUUID, SingleLEDUUID, LightSensorUUID,
}

const (
	// AboveLEDCount is the number of RGB LEDs in the row above the display.
	AboveLEDCount = 11
	// SingleLEDCount is the number of LEDs addressable one at a time: the
	// row above plus the four background LEDs.
	SingleLEDCount = AboveLEDCount + 4
	// MaxRocket is the brightest a rocket LED gets.
	MaxRocket = 31
	// MinDim and MaxDim bound the LED dimming levels.
	MinDim = 1
	MaxDim = 8
)

var (
	ErrControlServiceNotFound = errors.New("card10 service not found")
	ErrOutOfRange             = errors.New("value out of range")
	ErrInvalidColor           = errors.New("invalid color")
)

// RGB is one LED color.
type RGB struct {
	R, G, B uint8
}

// Off is the color of a dark LED.
var Off = RGB{}

func (c RGB) bytes() []byte { return []byte{c.R, c.G, c.B} }

func (c RGB) String() string {
	return "#" + hex.EncodeToString(c.bytes())
}

// ParseRGB reads a color written as "rrggbb" or "#rrggbb". "off" is black.
func ParseRGB(s string) (RGB, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "#")
	if s == "off" {
		return Off, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 3 {
		return RGB{}, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return RGB{b[0], b[1], b[2]}, nil
}

// RandomRGB picks a color whose channels are each off, half or full, never
// all off.
func RandomRGB() RGB {
	level := func() uint8 { return uint8(rand.IntN(3)) * 127 }
	for {
		c := RGB{level(), level(), level()}
		if c != Off {
			return c
		}
	}
}

// Background holds the four LEDs below the display.
type Background struct {
	TopLeft, TopRight, BottomRight, BottomLeft RGB
}

// Dimmer selects which LED group SetDim changes.
type Dimmer int

const (
	DimBottom Dimmer = iota
	DimTop
)

// characteristic is the part of bluetooth.DeviceCharacteristic Control
// uses.
type characteristic interface {
	WriteWithoutResponse(p []byte) (int, error)
	Read(data []byte) (int, error)
}

// Control drives the badge's clock, vibration motor, LEDs and light sensor.
type Control struct {
	mu    sync.Mutex
	chars map[bluetooth.UUID]characteristic
}

// Control discovers the card10 service on the connected badge.
func (l *Link) Control() (*Control, error) {
	services, err := l.device.DiscoverServices([]bluetooth.UUID{ControlServiceUUID})
	if err != nil {
		return nil, fmt.Errorf("service discovery failed: %w", err)
	}
	if len(services) == 0 {
		return nil, ErrControlServiceNotFound
	}

	found, err := services[0].DiscoverCharacteristics(controlUUIDs)
	if err != nil {
		return nil, fmt.Errorf("characteristic discovery failed: %w", err)
	}

	chars := make(map[bluetooth.UUID]characteristic, len(found))
	for i := range found {
		chars[found[i].UUID()] = &found[i]
	}

	logrus.WithFields(logrus.Fields{
		"function":        "ble.Control",
		"characteristics": len(chars),
	}).Info("Card10 service ready")
	return newControl(chars), nil
}

func newControl(chars map[bluetooth.UUID]characteristic) *Control {
	return &Control{chars: chars}
}

func (c *Control) write(uuid bluetooth.UUID, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chars[uuid]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCharacteristicMissing, uuid)
	}
	if _, err := ch.WriteWithoutResponse(value); err != nil {
		return fmt.Errorf("write to %s failed: %w", uuid, err)
	}
	logrus.WithFields(logrus.Fields{
		"function":       "Control.write",
		"characteristic": uuid.String(),
		"value":          hex.EncodeToString(value),
	}).Debug("Wrote characteristic")
	return nil
}

// SetTime sets the badge clock to t, in whole seconds.
func (c *Control) SetTime(t time.Time) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(t.Unix())*1000)
	return c.write(TimeUUID, value)
}

// Vibrate runs the motor for d, which must fit in 65535 ms.
func (c *Control) Vibrate(d time.Duration) error {
	ms := d.Milliseconds()
	if ms < 0 || ms > 0xFFFF {
		return fmt.Errorf("%w: vibration of %s", ErrOutOfRange, d)
	}
	value := make([]byte, 2)
	binary.LittleEndian.PutUint16(value, uint16(ms))
	return c.write(VibrateUUID, value)
}

// SetRockets sets the brightness of the three rocket LEDs, 0 to MaxRocket.
func (c *Control) SetRockets(rockets [3]uint8) error {
	for _, r := range rockets {
		if r > MaxRocket {
			return fmt.Errorf("%w: rocket brightness %d", ErrOutOfRange, r)
		}
	}
	return c.write(RocketsUUID, rockets[:])
}

// SetBackground sets the four LEDs below the display.
func (c *Control) SetBackground(bg Background) error {
	for _, w := range []struct {
		uuid  bluetooth.UUID
		color RGB
	}{
		{BackgroundTopLeft, bg.TopLeft},
		{BackgroundTopRight, bg.TopRight},
		{BackgroundBottomRight, bg.BottomRight},
		{BackgroundBottomLeft, bg.BottomLeft},
	} {
		if err := c.write(w.uuid, w.color.bytes()); err != nil {
			return err
		}
	}
	return nil
}

// SetLEDs sets the row of LEDs above the display, left to right.
func (c *Control) SetLEDs(leds [AboveLEDCount]RGB) error {
	value := make([]byte, 0, 3*AboveLEDCount)
	for _, led := range leds {
		value = append(value, led.bytes()...)
	}
	return c.write(AboveLEDsUUID, value)
}

// SetLED sets one LED. Indexes below AboveLEDCount address the row above
// the display, the rest the background LEDs.
func (c *Control) SetLED(index int, color RGB) error {
	if index < 0 || index >= SingleLEDCount {
		return fmt.Errorf("%w: LED %d", ErrOutOfRange, index)
	}
	value := make([]byte, 2, 5)
	binary.LittleEndian.PutUint16(value, uint16(index))
	return c.write(SingleLEDUUID, append(value, color.bytes()...))
}

// SetDim sets the brightness level of one LED group, MinDim to MaxDim.
func (c *Control) SetDim(which Dimmer, level int) error {
	if level < MinDim || level > MaxDim {
		return fmt.Errorf("%w: dim level %d", ErrOutOfRange, level)
	}
	uuid := DimBottomUUID
	if which == DimTop {
		uuid = DimTopUUID
	}
	return c.write(uuid, []byte{uint8(level)})
}

// ReadLightSensor returns the current ambient light reading.
func (c *Control) ReadLightSensor() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch, ok := c.chars[LightSensorUUID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrCharacteristicMissing, LightSensorUUID)
	}
	buf := make([]byte, 8)
	n, err := ch.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("light sensor read failed: %w", err)
	}
	if n < 2 {
		return 0, fmt.Errorf("light sensor returned %d bytes", n)
	}
	return binary.LittleEndian.Uint16(buf[:2]), nil
}
