//go:build !linux

package tun

import "net/netip"

type Device struct{}

func Open(string, int) (*Device, error) { return nil, ErrUnsupported }

func (*Device) Name() string                   { return "" }
func (*Device) MTU() int                       { return 0 }
func (*Device) ReadPacket([]byte) (int, error) { return 0, ErrUnsupported }
func (*Device) WritePacket([]byte) error       { return ErrUnsupported }
func (*Device) Close() error                   { return nil }

func Configure(string, netip.Prefix, int) error { return ErrUnsupported }

func InterfaceIPv4(string) (netip.Addr, error) { return netip.Addr{}, ErrUnsupported }

type RawListener struct{}

func ListenRaw(netip.Addr) (*RawListener, error) { return nil, ErrUnsupported }

func (*RawListener) ReadPacket([]byte) (int, error) { return 0, ErrUnsupported }
func (*RawListener) Close() error                   { return nil }

type RawSender struct{}

func NewRawSender() *RawSender { return &RawSender{} }

func (*RawSender) Send([]byte, string) error { return ErrUnsupported }
func (*RawSender) Close() error              { return nil }
