package handler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/usbfs/apiclient"
	"github.com/Alia5/usbfs/apitypes"
	"github.com/Alia5/usbfs/internal/profile"
)

func TestBusDeviceAdd(t *testing.T) {
	tests := []struct {
		name             string
		busID            uint32
		noBus            bool
		pathID           string
		payload          any
		expectedResponse string
	}{
		{
			name:             "default profile",
			busID:            70001,
			payload:          nil,
			expectedResponse: `{"busId":70001,"devId":"1","vid":"0x1209","pid":"0x0001","profile":"usbfs","serials":["loopback"]}`,
		},
		{
			name:             "id overrides",
			busID:            70002,
			payload:          `{"idVendor":"0x16c0","idProduct":1155}`,
			expectedResponse: `{"busId":70002,"devId":"1","vid":"0x16c0","pid":"0x0483","profile":"usbfs","serials":["loopback"]}`,
		},
		{
			name:             "profile payload",
			busID:            70003,
			payload:          `{"profile":{"vendorId":4617,"productId":2,"serials":[{"name":"a","loopback":true},{"name":"b"}]}}`,
			expectedResponse: `{"busId":70003,"devId":"1","vid":"0x1209","pid":"0x0002","profile":"api","serials":["a","b"]}`,
		},
		{
			name:             "invalid profile",
			busID:            70004,
			payload:          `{"profile":{"serials":[]}}`,
			expectedResponse: `{"status":400,"title":"Bad Request"}`,
		},
		{
			name:             "unknown profile field",
			busID:            70005,
			payload:          `{"profile":{"type":"xbox360"}}`,
			expectedResponse: `{"status":400,"title":"Bad Request"}`,
		},
		{
			name:             "bad json",
			busID:            70006,
			payload:          `{`,
			expectedResponse: `{"status":400,"title":"Bad Request"}`,
		},
		{
			name:             "missing bus",
			noBus:            true,
			pathID:           "70007",
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 70007 not found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, apiSrv, done := startAllRoutes(t)
			defer done()
			id := tt.pathID
			if !tt.noBus {
				b := addBus(t, apiSrv.USB(), tt.busID)
				id = itoa(b.BusID())
			}

			line, err := apiclient.NewTransport(addr).Do("bus/{id}/add", tt.payload, map[string]string{"id": id})
			require.NoError(t, err)
			assertProblemOrEqual(t, tt.expectedResponse, line)
		})
	}
}

func TestBusDevicesList(t *testing.T) {
	addr, apiSrv, done := startAllRoutes(t)
	defer done()
	b := addBus(t, apiSrv.USB(), 70010)

	two := profile.Default()
	two.Name = "pair"
	two.ProductID = 0x0002
	two.Serials = []profile.Serial{{Name: "a", Loopback: true}, {Name: "b"}}
	startDevice(t, apiSrv, b, profile.Default())
	startDevice(t, apiSrv, b, two)

	c := apiclient.New(addr)
	resp, err := c.DevicesList(70010)
	require.NoError(t, err)
	require.Len(t, resp.Devices, 2)
	assert.Equal(t, "1", resp.Devices[0].DevId)
	assert.Equal(t, "usbfs", resp.Devices[0].Profile)
	assert.Equal(t, "2", resp.Devices[1].DevId)
	assert.Equal(t, []string{"a", "b"}, resp.Devices[1].Serials)
	assert.Equal(t, apitypes.USBID(2), resp.Devices[1].Pid)

	_, err = c.DevicesList(70011)
	assert.ErrorContains(t, err, "bus 70011 not found")
}

func TestBusDeviceRemove(t *testing.T) {
	tests := []struct {
		name             string
		withDevice       bool
		pathID           string
		payload          any
		expectedResponse string
	}{
		{
			name:             "remove existing device",
			withDevice:       true,
			pathID:           "70020",
			payload:          "1",
			expectedResponse: `{"busId":70020,"devId":"1"}`,
		},
		{
			name:             "remove non-existing device",
			pathID:           "70020",
			payload:          "1",
			expectedResponse: `{"status":404,"title":"Not Found","detail":"device 1 not found on bus 70020"}`,
		},
		{
			name:             "remove from non-existing bus",
			pathID:           "70021",
			payload:          "1",
			expectedResponse: `{"status":404,"title":"Not Found","detail":"bus 70021 not found"}`,
		},
		{
			name:             "invalid bus number",
			pathID:           "abc",
			payload:          "1",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"invalid busId: strconv.ParseUint: parsing \"abc\": invalid syntax"}`,
		},
		{
			name:             "missing device number",
			pathID:           "70020",
			expectedResponse: `{"status":400,"title":"Bad Request","detail":"missing device number"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, apiSrv, done := startAllRoutes(t)
			defer done()
			b := addBus(t, apiSrv.USB(), 70020)
			if tt.withDevice {
				startDevice(t, apiSrv, b, profile.Default())
			}

			line, err := apiclient.NewTransport(addr).Do("bus/{id}/remove", tt.payload, map[string]string{"id": tt.pathID})
			require.NoError(t, err)
			assert.JSONEq(t, tt.expectedResponse, line)
			if tt.withDevice {
				_, ok := apiSrv.Devices().Get(70020, 1)
				assert.False(t, ok)
				assert.Empty(t, b.GetAllDeviceMetas())
			}
		})
	}
}

func TestBusRemoveStopsDevices(t *testing.T) {
	addr, apiSrv, done := startAllRoutes(t)
	defer done()
	b := addBus(t, apiSrv.USB(), 70030)
	r, err := apiSrv.Devices().Start(apiSrv.Context(), b, profile.Default())
	require.NoError(t, err)

	_, err = apiclient.New(addr).BusRemove(70030)
	require.NoError(t, err)
	select {
	case <-r.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("device did not stop with its bus")
	}
	assert.Empty(t, apiSrv.Devices().List(70030))
}

func TestPing(t *testing.T) {
	addr, _, done := startAllRoutes(t)
	defer done()

	resp, err := apiclient.New(addr).Ping()
	require.NoError(t, err)
	assert.Equal(t, "usbfs", resp.Server)
	assert.NotEmpty(t, resp.Version)
}
