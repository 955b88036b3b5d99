// Package notify delivers provisioning events downstream.
//
// MQTTNotifier publishes JSON envelopes to <prefix>/<project>/events/<type>;
// InfluxNotifier keeps an event history as points in the provisioning_events
// measurement. Multi combines notifiers and LogNotifier writes events to the
// service log.
package notify
