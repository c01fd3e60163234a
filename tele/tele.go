// Package tele mirrors session state, telemetry samples and task events
// to an MQTT broker for remote diagnostics. Disabled by default; the
// rest of the system talks to the Teler interface and never knows.
package tele

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"

	"github.com/drivelink-io/drivelink/log2"
	"github.com/drivelink-io/drivelink/task"
	"github.com/drivelink-io/drivelink/telemetry"
)

type Config struct {
	Enable       bool   `hcl:"enable"`
	BrokerURL    string `hcl:"broker_url"`
	ClientID     string `hcl:"client_id"`
	TopicPrefix  string `hcl:"topic_prefix"`
	Username     string `hcl:"username"`
	Password     string `hcl:"password"`
	KeepaliveSec int    `hcl:"keepalive_sec"`
}

type Teler interface {
	State(connected bool, device string)
	Status(sample telemetry.Sample)
	Task(e task.Event)
	Close()
}

// New returns the noop implementation unless explicitly enabled.
func New(conf Config, log *log2.Log) (Teler, error) {
	if !conf.Enable {
		return Noop{}, nil
	}
	return newMqtt(conf, log)
}

type Noop struct{}

func (Noop) State(bool, string)      {}
func (Noop) Status(telemetry.Sample) {}
func (Noop) Task(task.Event)         {}
func (Noop) Close()                  {}

type teleMqtt struct {
	c      mqtt.Client
	log    *log2.Log
	prefix string
}

func newMqtt(conf Config, log *log2.Log) (*teleMqtt, error) {
	if conf.BrokerURL == "" {
		return nil, errors.NotValidf("tele enabled without broker_url")
	}
	if conf.ClientID == "" {
		conf.ClientID = "drivelink"
	}
	if conf.TopicPrefix == "" {
		conf.TopicPrefix = "drivelink"
	}
	keepalive := time.Duration(conf.KeepaliveSec) * time.Second
	if keepalive == 0 {
		keepalive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(conf.BrokerURL).
		SetClientID(conf.ClientID).
		SetUsername(conf.Username).
		SetPassword(conf.Password).
		SetKeepAlive(keepalive).
		SetAutoReconnect(true)
	self := &teleMqtt{
		c:      mqtt.NewClient(opts),
		log:    log,
		prefix: conf.TopicPrefix,
	}
	token := self.c.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, errors.Annotatef(err, "tele connect broker=%s", conf.BrokerURL)
	}
	return self, nil
}

func (self *teleMqtt) publish(topic string, v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		self.log.Errorf("tele marshal topic=%s err=%v", topic, err)
		return
	}
	// fire-and-forget QoS 0: diagnostics must never stall the session
	self.c.Publish(self.prefix+"/"+topic, 0, false, b)
}

func (self *teleMqtt) State(connected bool, device string) {
	self.publish("state", struct {
		Connected bool   `json:"connected"`
		Device    string `json:"device"`
	}{connected, device})
}

func (self *teleMqtt) Status(sample telemetry.Sample) {
	self.publish("status", struct {
		Seq       uint16  `json:"seq"`
		Uptime    string  `json:"uptime"`
		Flags     string  `json:"flags"`
		TaskID    byte    `json:"task_id"`
		Progress  float32 `json:"progress"`
	}{
		Seq:      sample.Seq,
		Uptime:   sample.Status.Timestamp.String(),
		Flags:    fmt.Sprintf("%016x", sample.Status.Flags),
		TaskID:   sample.Status.TaskID,
		Progress: sample.Status.Progress,
	})
}

func (self *teleMqtt) Task(e task.Event) {
	msg := struct {
		Kind     string  `json:"kind"`
		State    string  `json:"state"`
		Sub      string  `json:"sub,omitempty"`
		Progress float32 `json:"progress,omitempty"`
		Err      string  `json:"err,omitempty"`
	}{
		Kind:     e.Kind.String(),
		State:    e.State.String(),
		Sub:      e.Sub,
		Progress: e.Progress,
	}
	if e.Err != nil {
		msg.Err = e.Err.Error()
	}
	self.publish("task", msg)
}

func (self *teleMqtt) Close() { self.c.Disconnect(250) }
