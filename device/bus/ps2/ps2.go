// Package ps2 brings up the 8042 PS/2 controller and identifies the device
// on port 1. Identified MF2 keyboards are registered with the serialio
// device registry.
package ps2

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kfmt"
	"vexos/kernel/timer"

	"vexos/device/serialio"
)

const (
	portData   = 0x60
	portStatus = 0x64
	portCmd    = 0x64

	statusOutputFull = 1 << 0
	statusInputFull  = 1 << 1

	// Controller commands.
	cmdReadConfig   = 0x20
	cmdWriteConfig  = 0x60
	cmdDisablePort2 = 0xa7
	cmdSelfTest     = 0xaa
	cmdTestPort1    = 0xab
	cmdDisablePort1 = 0xad
	cmdEnablePort1  = 0xae

	// Device commands.
	devIdentify       = 0xf2
	devEnableScanning = 0xf4
	devDisableScan    = 0xf5
	devReset          = 0xff

	// Device responses.
	respAck        = 0xfa
	respResend     = 0xfe
	respSelfTestOK = 0xaa
	respTestFail1  = 0xfc
	respTestFail2  = 0xfd

	selfTestOK = 0x55

	// Config byte bits.
	configPort1IRQ        = 1 << 0
	configPort2IRQ        = 1 << 1
	configDualController  = 1 << 5
	configPort1Translate  = 1 << 6

	// maxTryCount bounds the status-register polls around every byte
	// exchanged with the controller.
	maxTryCount = 5

	// devTimeoutMs bounds each wait for a device response.
	devTimeoutMs = 50

	// maxResendCount bounds 0xFE resend loops during device reset.
	maxResendCount = 5
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
	newSerialDevFn  = serialio.NewDevice

	errWriteTimeout = &kernel.Error{Module: "ps2", Message: "controller input buffer stayed full", Errno: kernel.ETIMEDOUT}
	errReadTimeout  = &kernel.Error{Module: "ps2", Message: "controller output buffer stayed empty", Errno: kernel.ETIMEDOUT}
	errSelfTest     = &kernel.Error{Module: "ps2", Message: "controller failed self test", Errno: kernel.ENODEV}
	errPortTest     = &kernel.Error{Module: "ps2", Message: "port 1 failed its test", Errno: kernel.ENODEV}
	errDeviceReset  = &kernel.Error{Module: "ps2", Message: "device failed reset self test", Errno: kernel.ENODEV}
	errIdentify     = &kernel.Error{Module: "ps2", Message: "device did not identify as a known type", Errno: kernel.ENODEV}

	// dualController is captured from the config byte during bring-up.
	dualController bool
)

// writeByte waits for the controller input buffer to drain and writes one
// byte to the given port.
func writeByte(port uint16, data uint8) *kernel.Error {
	for tries := 0; portReadByteFn(portStatus)&statusInputFull != 0; tries++ {
		if tries > maxTryCount {
			return errWriteTimeout
		}
	}

	portWriteByteFn(port, data)
	return nil
}

// readDataByte waits for the controller output buffer to fill and reads it.
func readDataByte() (uint8, *kernel.Error) {
	for tries := 0; portReadByteFn(portStatus)&statusOutputFull == 0; tries++ {
		if tries > maxTryCount {
			return 0, errReadTimeout
		}
	}

	return portReadByteFn(portData), nil
}

func disableAndFlush() *kernel.Error {
	if err := writeByte(portCmd, cmdDisablePort1); err != nil {
		return err
	}
	if err := writeByte(portCmd, cmdDisablePort2); err != nil {
		return err
	}

	// Drain anything stuck in the output buffer.
	portReadByteFn(portData)
	return nil
}

func readConfig() (uint8, *kernel.Error) {
	if err := writeByte(portCmd, cmdReadConfig); err != nil {
		return 0, err
	}
	return readDataByte()
}

func writeConfig(config uint8) *kernel.Error {
	if err := writeByte(portCmd, cmdWriteConfig); err != nil {
		return err
	}
	return writeByte(portData, config)
}

func selfTest() *kernel.Error {
	if err := writeByte(portCmd, cmdSelfTest); err != nil {
		return err
	}

	resp, err := readDataByte()
	if err != nil {
		return err
	}
	if resp != selfTestOK {
		kfmt.Printf("[ps2] controller self test returned 0x%x\n", resp)
		return errSelfTest
	}

	return nil
}

func testPort1() *kernel.Error {
	if err := writeByte(portCmd, cmdTestPort1); err != nil {
		return err
	}

	resp, err := readDataByte()
	if err != nil {
		return err
	}
	if resp != 0 {
		kfmt.Printf("[ps2] port 1 test returned 0x%x\n", resp)
		return errPortTest
	}

	return nil
}

// setScanning turns device scanning on or off and swallows the ack.
func setScanning(enable bool) *kernel.Error {
	cmd := uint8(devDisableScan)
	if enable {
		cmd = devEnableScanning
	}

	if err := writeByte(portData, cmd); err != nil {
		return err
	}

	portReadByteFn(portData) // ack
	return nil
}

// resetDevice resets the port-1 device: the device acks with 0xFA and then
// reports its self-test result. 0xFE asks for a resend; 0xFC/0xFD mean the
// device is broken.
func resetDevice() *kernel.Error {
	resends := 0

send:
	if err := writeByte(portData, devReset); err != nil {
		return err
	}

	var t timer.Timer
	t.Start()

	acked := false
	for {
		if t.ElapsedMs() > devTimeoutMs {
			return errReadTimeout
		}

		data, err := readDataByte()
		if err != nil {
			continue
		}

		if !acked && data == respAck {
			acked = true
			continue
		}

		if acked {
			switch data {
			case respSelfTestOK:
				return setScanning(false)
			case respTestFail1, respTestFail2:
				kfmt.Printf("[ps2] device 1 failed reset self test\n")
				return errDeviceReset
			case respResend:
				if resends++; resends > maxResendCount {
					return errDeviceReset
				}
				goto send
			}
		}
	}
}

// identifyDevice asks the port-1 device for its identity and registers a
// serialio device for the types it recognizes. The identify response is up
// to two bytes; consecutive duplicate bytes are echoes and ignored.
func identifyDevice() *kernel.Error {
	if err := writeByte(portData, devIdentify); err != nil {
		return err
	}

	var (
		ident     = [2]uint8{0xff, 0xff}
		identLen  = 0
		prevData  uint8
		acked     bool
	)

	var t timer.Timer
	t.Start()
	for t.ElapsedMs() <= devTimeoutMs && identLen < 2 {
		data := portReadByteFn(portData)

		if data == respAck {
			acked = true
			continue
		}

		if acked && data != prevData {
			ident[identLen] = data
			identLen++
		}
		prevData = data
	}

	if identLen == 0 {
		return errReadTimeout
	}

	if ident[0] == 0xab {
		switch ident[1] {
		case 0x83, 0xc1:
			// MF2 keyboard.
			_, err := newSerialDevFn("ps2kbd", serialio.NoMajor, 1, nil)
			return err
		}
	}

	return errIdentify
}

// InitController walks the 8042 bring-up state machine: disable and flush
// both devices, sanitize the config byte, self-test the controller (which
// may reset it), test and enable port 1, then reset and identify the
// attached device.
func InitController() *kernel.Error {
	if err := disableAndFlush(); err != nil {
		return err
	}

	config, err := readConfig()
	if err != nil {
		return err
	}

	dualController = config&configDualController != 0

	config &^= configPort1IRQ | configPort2IRQ | configPort1Translate
	if err = writeConfig(config); err != nil {
		return err
	}

	if err = selfTest(); err != nil {
		return err
	}

	// Some controllers reset on self test; re-apply our state.
	if err = disableAndFlush(); err != nil {
		return err
	}
	if err = writeConfig(config); err != nil {
		return err
	}

	if err = testPort1(); err != nil {
		return err
	}

	if err = writeByte(portCmd, cmdEnablePort1); err != nil {
		return err
	}

	if err = setScanning(false); err != nil {
		return err
	}

	if err = resetDevice(); err != nil {
		return err
	}

	return identifyDevice()
}
