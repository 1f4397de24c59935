package handler

import "github.com/Alia5/usbfs/internal/server/api"

// Register adds every management route to the server's router.
func Register(apiSrv *api.Server) {
	r := apiSrv.Router()
	s := apiSrv.USB()
	m := apiSrv.Devices()
	r.Register("ping", Ping())
	r.Register("bus/list", BusList(s))
	r.Register("bus/create", BusCreate(s))
	r.Register("bus/remove", BusRemove(s))
	r.Register("bus/{id}/list", BusDevicesList(s, m))
	r.Register("bus/{id}/add", BusDeviceAdd(apiSrv))
	r.Register("bus/{id}/remove", BusDeviceRemove(s, m))
	r.RegisterStream("bus/{busId}/{deviceid}/serial/{port}", SerialStream(apiSrv))
}
