package usbip_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/usb"
	"github.com/Alia5/usbfs/usbip"
)

func TestMgmtHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}).Write(&buf))
	assert.Equal(t, []byte{0x01, 0x11, 0x80, 0x05, 0, 0, 0, 0}, buf.Bytes())

	h, err := usbip.ReadMgmtHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(usbip.OpReqDevlist), h.Command)

	_, err = usbip.ReadMgmtHeader(bytes.NewReader([]byte{0x01, 0x06, 0x80, 0x05, 0, 0, 0, 0}))
	assert.ErrorIs(t, err, usbip.ErrVersion)

	_, err = usbip.ReadMgmtHeader(bytes.NewReader([]byte{0x01}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestImportRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, usbip.WriteImportRequest(&buf, "1-1"))
	assert.Equal(t, usbip.MgmtHeaderLen+usbip.BusIDLen, buf.Len())

	h, err := usbip.ReadMgmtHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(usbip.OpReqImport), h.Command)
	id, err := usbip.ReadBusID(&buf)
	require.NoError(t, err)
	assert.Equal(t, "1-1", id)
}

func exported() usbip.ExportedDevice {
	var meta usbip.ExportMeta
	copy(meta.Path[:], "/sys/devices/usbfs/usb1/1-2")
	copy(meta.USBBusId[:], "1-2")
	meta.BusId, meta.DevId = 1, 2

	desc := &usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BDeviceClass:       usb.ClassMisc,
			BDeviceSubClass:    usb.SubclassCommon,
			BDeviceProtocol:    usb.ProtocolIAD,
			IDVendor:           0x1209,
			IDProduct:          0x5350,
			BcdDevice:          0x0100,
			BNumConfigurations: 1,
		},
		Config: usb.ConfigurationDescriptor{BConfigurationValue: 1},
		Interfaces: []usb.InterfaceConfig{
			{Descriptor: usb.InterfaceDescriptor{BInterfaceClass: usb.ClassCDC, BInterfaceSubClass: usb.SubclassACM, BInterfaceProtocol: usb.ProtocolATCommand}},
			{Descriptor: usb.InterfaceDescriptor{BInterfaceClass: usb.ClassCDCData}},
		},
	}
	return usbip.NewExportedDevice(meta, desc)
}

func TestExportedDevice(t *testing.T) {
	exp := exported()
	assert.Equal(t, uint32(usb.SpeedFull), exp.Speed)
	assert.Equal(t, uint8(2), exp.BNumInterfaces)
	assert.Equal(t, uint32(1<<16|2), exp.DevID())
	assert.Equal(t, "1-2", exp.BusIDString())
	assert.Equal(t, "/sys/devices/usbfs/usb1/1-2", exp.PathString())

	t.Run("devlist", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, exp.WriteDevlist(&buf))
		assert.Equal(t, usbip.ExportedDeviceLen+8, buf.Len())
		got, err := usbip.ReadExportedDevice(&buf, true)
		require.NoError(t, err)
		assert.Equal(t, exp, got)
	})
	t.Run("import", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, exp.WriteImport(&buf))
		raw := buf.Bytes()
		require.Len(t, raw, usbip.ExportedDeviceLen)
		assert.Equal(t, uint16(0x1209), binary.BigEndian.Uint16(raw[300:302]))
		assert.Equal(t, uint8(1), raw[309], "configuration value")

		got, err := usbip.ParseExportedDevice(raw)
		require.NoError(t, err)
		want := exp
		want.Interfaces = nil
		assert.Equal(t, want, got)
	})
	t.Run("short", func(t *testing.T) {
		_, err := usbip.ParseExportedDevice(make([]byte, 10))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestURBMessages(t *testing.T) {
	setup := usb.SetupPacket{
		Direction: usb.DirectionIn,
		Request:   usb.RequestGetDescriptor,
		Value:     uint16(usb.DeviceDescType) << 8,
		Length:    18,
	}

	tests := []struct {
		name    string
		write   func(io.Writer) error
		payload []byte
		check   func(t *testing.T, m usbip.Message)
	}{
		{
			name: "submit in",
			write: (&usbip.CmdSubmit{
				Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 0x10002, Dir: usbip.DirIn},
				TransferFlags:     usbip.URBDirIn,
				TransferBufferLen: 18,
				Setup:             setup.Bytes(),
			}).Write,
			check: func(t *testing.T, m usbip.Message) {
				c, ok := m.Header.(*usbip.CmdSubmit)
				require.True(t, ok)
				assert.Equal(t, uint32(7), c.Basic.Seqnum)
				assert.Equal(t, setup, usb.ParseSetup(c.Setup))
				assert.Equal(t, uint8(0x80), c.EndpointAddress())
				assert.Nil(t, m.Payload, "IN submits carry no buffer")
			},
		},
		{
			name: "submit out",
			write: (&usbip.CmdSubmit{
				Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 8, Dir: usbip.DirOut, Ep: 2},
				TransferFlags:     usbip.URBZeroPacket,
				TransferBufferLen: 3,
			}).Write,
			payload: []byte{1, 2, 3},
			check: func(t *testing.T, m usbip.Message) {
				c := m.Header.(*usbip.CmdSubmit)
				assert.Equal(t, uint8(0x02), c.EndpointAddress())
				assert.Equal(t, uint32(usbip.URBZeroPacket), c.TransferFlags)
				assert.Equal(t, []byte{1, 2, 3}, m.Payload)
			},
		},
		{
			name: "ret submit",
			write: (&usbip.RetSubmit{
				Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: 9, Dir: usbip.DirIn, Ep: 1},
				Status:       usbip.StatusPipe,
				ActualLength: 2,
			}).Write,
			payload: []byte{0xAA, 0xBB},
			check: func(t *testing.T, m usbip.Message) {
				r := m.Header.(*usbip.RetSubmit)
				assert.Equal(t, usbip.StatusPipe, r.Status)
				assert.Equal(t, []byte{0xAA, 0xBB}, m.Payload)
			},
		},
		{
			name:  "unlink",
			write: (&usbip.CmdUnlink{Basic: usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 10}, UnlinkSeqnum: 8}).Write,
			check: func(t *testing.T, m usbip.Message) {
				assert.Equal(t, uint32(8), m.Header.(*usbip.CmdUnlink).UnlinkSeqnum)
			},
		},
		{
			name:  "ret unlink",
			write: (&usbip.RetUnlink{Basic: usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: 10}, Status: usbip.StatusConnReset}).Write,
			check: func(t *testing.T, m usbip.Message) {
				assert.Equal(t, usbip.StatusConnReset, m.Header.(*usbip.RetUnlink).Status)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, tt.write(&buf))
			assert.Equal(t, usbip.URBHeaderLen, buf.Len())
			buf.Write(tt.payload)

			m, err := usbip.ReadMessage(&buf)
			require.NoError(t, err)
			tt.check(t, m)
			assert.Zero(t, buf.Len())
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	hdr := make([]byte, usbip.URBHeaderLen)
	binary.BigEndian.PutUint32(hdr, 0x42)
	_, err := usbip.ReadMessage(bytes.NewReader(hdr))
	assert.ErrorIs(t, err, usbip.ErrUnknownCommand)

	_, err = usbip.ReadMessage(bytes.NewReader(hdr[:10]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
