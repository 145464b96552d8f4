// Package router classifies kernel broadcast messages and fans them out to
// the current subscriber of each session.
//
// Delivery never blocks a link's receive loop: each subscription has a
// bounded queue and overflow is dropped and counted.
package router
