package main

// General API documentation for swaggo. Run `swag init -g cmd/remoted/docs.go`
// from the module root to generate docs.
//
// @title           remoted API
// @version         1.0
// @description     Admin API for the remote tensor device: devices, sessions, routing and events.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
