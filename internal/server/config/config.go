package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	defaultAPIPort       = "7771"
	defaultAPIListenAddr = "0.0.0.0:" + defaultAPIPort

	// Guest RAM is sized the same for every platform profile; 256MB is
	// plenty for booting Linux with a simple user space.
	defaultGuestRAMSize = 0x10000000
	defaultGuestRAMBase = 0x40000000
	defaultDTBAddr      = 0x4f000000
	defaultInitrdAddr   = 0x4d000000

	// The serial notification channel and its virtual line are enforced to
	// be the same across platforms.
	defaultSerialChannel = 1
	defaultSerialIRQ     = 33
)

// ServerConfig captures the runtime configuration required by the daemon.
type ServerConfig struct {
	APIListenAddr    string
	APIAdvertiseAddr string

	KernelPath string
	DTBPath    string
	InitrdPath string

	GuestRAMBase uint64
	GuestRAMSize uint64
	DTBAddr      uint64
	InitrdAddr   uint64

	SerialChannel uint32
	SerialIRQ     uint32
}

// FromEnv loads the daemon configuration from environment variables,
// applying the reference platform profile when unset.
func FromEnv() (ServerConfig, error) {
	cfg := ServerConfig{
		APIListenAddr:    getenv("VESSEL_API_LISTEN", defaultAPIListenAddr),
		APIAdvertiseAddr: getenv("VESSEL_API_ADVERTISE", ""),
		KernelPath:       getenv("VESSEL_GUEST_KERNEL", ""),
		DTBPath:          getenv("VESSEL_GUEST_DTB", ""),
		InitrdPath:       getenv("VESSEL_GUEST_INITRD", ""),
	}

	var err error
	if cfg.GuestRAMBase, err = getaddr("VESSEL_GUEST_RAM_BASE", defaultGuestRAMBase); err != nil {
		return ServerConfig{}, err
	}
	if cfg.GuestRAMSize, err = getaddr("VESSEL_GUEST_RAM_SIZE", defaultGuestRAMSize); err != nil {
		return ServerConfig{}, err
	}
	if cfg.DTBAddr, err = getaddr("VESSEL_GUEST_DTB_ADDR", defaultDTBAddr); err != nil {
		return ServerConfig{}, err
	}
	if cfg.InitrdAddr, err = getaddr("VESSEL_GUEST_INITRD_ADDR", defaultInitrdAddr); err != nil {
		return ServerConfig{}, err
	}

	ch, err := getaddr("VESSEL_SERIAL_CHANNEL", defaultSerialChannel)
	if err != nil {
		return ServerConfig{}, err
	}
	irq, err := getaddr("VESSEL_SERIAL_IRQ", defaultSerialIRQ)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg.SerialChannel = uint32(ch)
	cfg.SerialIRQ = uint32(irq)
	if cfg.SerialIRQ == 0 {
		return ServerConfig{}, fmt.Errorf("serial irq must be nonzero")
	}

	if cfg.KernelPath == "" {
		return ServerConfig{}, fmt.Errorf("guest kernel image required: set VESSEL_GUEST_KERNEL")
	}
	if cfg.DTBPath == "" {
		return ServerConfig{}, fmt.Errorf("guest device tree required: set VESSEL_GUEST_DTB")
	}
	for _, path := range []string{cfg.KernelPath, cfg.DTBPath} {
		if !fileExists(path) {
			return ServerConfig{}, fmt.Errorf("guest image not found: %s", path)
		}
	}
	if cfg.InitrdPath != "" && !fileExists(cfg.InitrdPath) {
		return ServerConfig{}, fmt.Errorf("guest initrd not found: %s", cfg.InitrdPath)
	}

	ramEnd := cfg.GuestRAMBase + cfg.GuestRAMSize
	if cfg.DTBAddr < cfg.GuestRAMBase || cfg.DTBAddr >= ramEnd {
		return ServerConfig{}, fmt.Errorf("dtb address %#x outside guest RAM [%#x, %#x)", cfg.DTBAddr, cfg.GuestRAMBase, ramEnd)
	}
	if cfg.InitrdAddr < cfg.GuestRAMBase || cfg.InitrdAddr >= ramEnd {
		return ServerConfig{}, fmt.Errorf("initrd address %#x outside guest RAM [%#x, %#x)", cfg.InitrdAddr, cfg.GuestRAMBase, ramEnd)
	}

	listenAddr := strings.TrimSpace(cfg.APIListenAddr)
	if listenAddr == "" {
		return ServerConfig{}, fmt.Errorf("api listen address required")
	}
	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid api listen address %q: %w", listenAddr, err)
	}
	if strings.TrimSpace(cfg.APIAdvertiseAddr) == "" {
		cfg.APIAdvertiseAddr = listenAddr
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// getaddr parses an address-like env var; hex with 0x prefix and decimal
// are both accepted.
func getaddr(key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return value, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
