package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// FlatReading is the simplest device payload: {"temp": 23.5, "humid": 61}
type FlatReading map[string]interface{}

// SensorEntry is one element of the ESP32 sensors array
type SensorEntry struct {
	Type    string      `json:"type"`
	Subtype string      `json:"subtype,omitempty"`
	Value   interface{} `json:"value"`
}

// SensorsPayload is the ESP32 firmware format
type SensorsPayload struct {
	DeviceID  string        `json:"device_id"`
	Timestamp int64         `json:"timestamp"`
	Sensors   []SensorEntry `json:"sensors"`
}

// UplinkEvent is a trimmed The Things Stack uplink event
type UplinkEvent struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	ReceivedAt    string `json:"received_at"`
	UplinkMessage struct {
		FPort          int                    `json:"f_port"`
		DecodedPayload map[string]interface{} `json:"decoded_payload"`
	} `json:"uplink_message"`
}

type simulatedDevice struct {
	ID       string
	Format   string
	Interval time.Duration
}

func main() {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	mode := flag.String("mode", "continuous", "run mode: flat, sensors, tts, continuous")
	flag.Parse()

	opts := paho.NewClientOptions()
	opts.AddBroker(*broker)
	opts.SetClientID(fmt.Sprintf("sensor-bridge-publisher-%d", time.Now().Unix()))
	if *username != "" {
		opts.SetUsername(*username)
		opts.SetPassword(*password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		fmt.Printf("failed to connect to %s: %v\n", *broker, token.Error())
		os.Exit(1)
	}
	fmt.Printf("connected to %s\n", *broker)
	defer client.Disconnect(250)

	switch *mode {
	case "flat", "sensors", "tts":
		publish(client, simulatedDevice{ID: "sim-" + *mode + "-001", Format: *mode})
	case "continuous":
		publishContinuously(client)
	default:
		fmt.Println("unknown mode, use flat, sensors, tts or continuous")
		os.Exit(1)
	}
}

func publishContinuously(client paho.Client) {
	devices := []simulatedDevice{
		{ID: "sim-flat-001", Format: "flat", Interval: 5 * time.Second},
		{ID: "sim-sensors-001", Format: "sensors", Interval: 8 * time.Second},
		{ID: "sim-tts-001", Format: "tts", Interval: 10 * time.Second},
	}

	for _, d := range devices {
		go func(d simulatedDevice) {
			for {
				publish(client, d)
				time.Sleep(d.Interval)
			}
		}(d)
		fmt.Printf("device %s publishes every %v\n", d.ID, d.Interval)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	fmt.Println("disconnecting...")
}

func round(v float64) float64 {
	return float64(int(v*10)) / 10
}

func payloadFor(d simulatedDevice) (string, interface{}) {
	temp := round(25.0 + (rand.Float64()*10 - 5))
	humidity := round(40.0 + rand.Float64()*40)

	switch d.Format {
	case "sensors":
		return fmt.Sprintf("sensors/%s/data", d.ID), SensorsPayload{
			DeviceID:  d.ID,
			Timestamp: time.Now().Unix(),
			Sensors: []SensorEntry{
				{Type: "temperature", Value: fmt.Sprintf("%.1f celsius", temp)},
				{Type: "humidity", Value: humidity},
				{Type: "geolocation", Subtype: "latitude", Value: 48.8566},
				{Type: "geolocation", Subtype: "longitude", Value: 2.3522},
			},
		}
	case "tts":
		var ev UplinkEvent
		ev.EndDeviceIDs.DeviceID = d.ID
		ev.ReceivedAt = time.Now().UTC().Format(time.RFC3339Nano)
		ev.UplinkMessage.FPort = 1
		ev.UplinkMessage.DecodedPayload = map[string]interface{}{
			"temperature": temp,
			"humidity":    humidity,
			"battery":     87,
		}
		return fmt.Sprintf("v3/sensor-bridge@ttn/devices/%s/up", d.ID), ev
	default:
		return fmt.Sprintf("sensors/%s", d.ID), FlatReading{
			"temp":  temp,
			"humid": humidity,
			"light": rand.Intn(100),
		}
	}
}

func publish(client paho.Client, d simulatedDevice) {
	topic, payload := payloadFor(d)

	data, err := json.Marshal(payload)
	if err != nil {
		fmt.Printf("failed to encode payload: %v\n", err)
		return
	}

	token := client.Publish(topic, 1, false, data)
	token.Wait()
	if token.Error() != nil {
		fmt.Printf("failed to publish to %s: %v\n", topic, token.Error())
		return
	}
	fmt.Printf("[%s] %s <- %s\n", time.Now().Format("15:04:05"), topic, data)
}
