package secmgr

import (
	"encoding/hex"
	"fmt"
	"github.com/go-errors/errors"
	"github.com/the-lightning-land/fwloadd/updater"
	"sort"
	"strconv"
	"strings"
)

// NameFormat names security manager devices after their registry handle.
const NameFormat = "fpga_sec%d"

// maxFilename matches the longest path the kernel accepts.
const maxFilename = 4096

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnknownAttribute = errors.New("no such attribute")
	ErrPermission       = errors.New("permission denied")
)

// HwErrinfo is implemented by backends that can describe the device state
// behind a failure.
type HwErrinfo interface {
	HwErrinfo(code updater.ErrorCode) uint64
}

// SecurityInfo is implemented by backends that expose the key and flash
// state of the device.
type SecurityInfo interface {
	UserFlashCount() (int, error)
	// RootEntryHash returns nil when no hash is programmed.
	RootEntryHash(image string) ([]byte, error)
	CanceledCSKs(image string) ([]int, error)
	CanceledCSKBits() int
}

// images exposed in the security group
var images = []string{"bmc", "sr", "pr"}

type Config struct {
	Registry    *updater.Registry
	Ops         updater.Ops
	FirmwareDir string
	ChunkSize   uint32
	Logger      Logger
	Complete    func(*updater.Event)
}

// Device is the text attribute surface of a security manager. Updates are
// started by writing an image name relative to the firmware directory.
type Device struct {
	session     *updater.Session
	registry    *updater.Registry
	firmwareDir string
	log         Logger
	attrs       map[string]*attribute
}

type attribute struct {
	show  func() (string, error)
	store func(value string) error
}

// Register creates the session of a new security manager device.
func Register(config *Config) (*Device, error) {
	if config.Registry == nil {
		return nil, errors.New("security manager requires a registry")
	}

	var logger Logger = noopLogger{}
	if config.Logger != nil {
		logger = config.Logger
	}

	session, err := config.Registry.Register(&updater.Config{
		NameFormat: NameFormat,
		Ops:        config.Ops,
		ChunkSize:  config.ChunkSize,
		Logger:     logger,
		Complete:   config.Complete,
	})
	if err != nil {
		return nil, err
	}

	d := &Device{
		session:     session,
		registry:    config.Registry,
		firmwareDir: config.FirmwareDir,
		log:         logger,
	}

	d.attrs = d.attributes()

	return d, nil
}

func (d *Device) Name() string {
	return d.session.Name()
}

func (d *Device) Session() *updater.Session {
	return d.session
}

// Unregister removes the device, waiting for an update in flight to finish.
func (d *Device) Unregister() error {
	return d.registry.Unregister(d.session.Id())
}

// StartUpdate starts updating the device with the named firmware image.
func (d *Device) StartUpdate(filename string) (*updater.Update, error) {
	if filename == "" || len(filename) >= maxFilename {
		return nil, ErrInvalidArgument
	}

	return d.session.Start(updater.NewFileSource(d.firmwareDir, filename), nil)
}

func (d *Device) Cancel() error {
	return d.session.Cancel()
}

// Attributes lists the names of all attributes the device exposes.
func (d *Device) Attributes() []string {
	names := make([]string, 0, len(d.attrs))
	for name := range d.attrs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Show reads an attribute, formatted the way sysfs presents it.
func (d *Device) Show(name string) (string, error) {
	attr, ok := d.attrs[name]
	if !ok {
		return "", ErrUnknownAttribute
	}

	if attr.show == nil {
		return "", ErrPermission
	}

	return attr.show()
}

// Store writes an attribute.
func (d *Device) Store(name string, value string) error {
	attr, ok := d.attrs[name]
	if !ok {
		return ErrUnknownAttribute
	}

	if attr.store == nil {
		return ErrPermission
	}

	return attr.store(value)
}

func (d *Device) attributes() map[string]*attribute {
	attrs := map[string]*attribute{
		"name": {show: func() (string, error) {
			return d.Name() + "\n", nil
		}},
		"update/filename": {store: d.storeFilename},
		"update/status": {show: func() (string, error) {
			return d.session.Status().Progress.String() + "\n", nil
		}},
		"update/error": {show: d.showError},
		"update/remaining_size": {show: func() (string, error) {
			return fmt.Sprintf("%d\n", d.session.Status().RemainingSize), nil
		}},
		"update/cancel": {store: d.storeCancel},
	}

	if hw, ok := d.session.Ops().(HwErrinfo); ok {
		attrs["update/hw_errinfo"] = &attribute{show: func() (string, error) {
			return fmt.Sprintf("0x%016x\n", hw.HwErrinfo(d.session.Status().ErrorCode)), nil
		}}
	}

	if sec, ok := d.session.Ops().(SecurityInfo); ok {
		attrs["security/user_flash_count"] = &attribute{show: func() (string, error) {
			count, err := sec.UserFlashCount()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d\n", count), nil
		}}

		for _, image := range images {
			image := image

			attrs["security/"+image+"_root_entry_hash"] = &attribute{show: func() (string, error) {
				hash, err := sec.RootEntryHash(image)
				if err != nil {
					return "", err
				}
				if hash == nil {
					return "hash not programmed\n", nil
				}
				return hex.EncodeToString(hash) + "\n", nil
			}}

			attrs["security/"+image+"_canceled_csks"] = &attribute{show: func() (string, error) {
				ids, err := sec.CanceledCSKs(image)
				if err != nil {
					return "", err
				}
				return bitmapList(ids) + "\n", nil
			}}

			attrs["security/"+image+"_canceled_csk_nbits"] = &attribute{show: func() (string, error) {
				return fmt.Sprintf("%d\n", sec.CanceledCSKBits()), nil
			}}
		}
	}

	return attrs
}

func (d *Device) storeFilename(value string) error {
	if value == "" || len(value) >= maxFilename {
		return ErrInvalidArgument
	}

	filename := strings.TrimSuffix(value, "\n")

	_, err := d.StartUpdate(filename)
	if err != nil {
		d.log.Warnf("Rejected update of %v with %q: %v", d.Name(), filename, err)
	}

	return err
}

func (d *Device) storeCancel(value string) error {
	if strings.TrimSuffix(value, "\n") != "1" {
		return ErrInvalidArgument
	}

	return d.session.Cancel()
}

func (d *Device) showError() (string, error) {
	status := d.session.Status()
	if status.ErrorCode == updater.ErrNone {
		return "", nil
	}

	return fmt.Sprintf("%s:%s\n", status.ErrorProgress, status.ErrorCode), nil
}

// bitmapList renders sorted ids as a range list like "0-3,7".
func bitmapList(ids []int) string {
	var parts []string

	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}

		if i == j {
			parts = append(parts, strconv.Itoa(ids[i]))
		} else {
			parts = append(parts, strconv.Itoa(ids[i])+"-"+strconv.Itoa(ids[j]))
		}

		i = j + 1
	}

	return strings.Join(parts, ",")
}
