// Package mqtt publishes toolhost status to an MQTT broker in the Home
// Assistant discovery format. The host appears as one HA device with
// host-wide sensors (uptime, version, ready servers, catalog size) and
// one sensor per configured tool server whose state is the server's
// lifecycle state and whose attributes carry its PID, restart count,
// pending requests and tool count.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. On
// every (re-)connect the publisher sends retained discovery configs and
// an "online" birth message; a will message flips availability to
// "offline" on unexpected disconnects. States are republished whenever
// a server changes state or its tools are rediscovered, and on a
// periodic tick.
package mqtt
