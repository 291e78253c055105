// atlas_logger records the focuser status stream into InfluxDB.
//
// It subscribes to the daemon's websocket status feed and writes one
// point per report, reconnecting whenever the daemon goes away.
package main

import (
	"os"
	"time"

	"github.com/gorilla/websocket"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

type mainOptions struct {
	StatusURL string
	Server    string
	Org       string
	Bucket    string
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func logData(writeApi api.WriteApi, url string) error {
	defer writeApi.Flush()

	var dialer websocket.Dialer
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Infof("Connected to %s", url)

	for {
		var report map[string]interface{}
		if err := conn.ReadJSON(&report); err != nil {
			return err
		}

		fields := make(map[string]interface{})
		for k, v := range report {
			// Points are stamped on arrival, so the report's own
			// timestamp is redundant.
			if k == "date" {
				continue
			}
			fields[k] = v
		}
		if len(fields) == 0 {
			continue
		}

		p := influxdb2.NewPoint("focuser.status",
			nil,
			fields,
			time.Now(),
		)
		// write asynchronously
		writeApi.WritePoint(p)
	}
}

func main() {
	var options mainOptions

	flag.StringVar(&options.StatusURL, "status-url",
		getenvDefault("ATLASD_ADDRESS", "ws://localhost:9035/api/ws"), "Daemon status stream")
	flag.StringVar(&options.Server, "influx-server",
		getenvDefault("INFLUX_SERVER", "http://localhost:9999"), "InfluxDB server")
	flag.StringVar(&options.Org, "influx-org", "rockit", "InfluxDB organisation")
	flag.StringVar(&options.Bucket, "influx-bucket", "focuser.raw", "InfluxDB bucket")
	flag.SetInterspersed(true)
	flag.Parse()

	client := influxdb2.NewClient(options.Server, os.Getenv("INFLUX_TOKEN"))
	defer client.Close()

	// Get non-blocking write client
	writeApi := client.WriteApi(options.Org, options.Bucket)
	defer writeApi.Close()

	// Create go proc for reading and logging write errors
	errorsCh := writeApi.Errors()
	go func() {
		for err := range errorsCh {
			log.Errorf("write error: %v", err)
		}
	}()

	for {
		if err := logData(writeApi, options.StatusURL); err != nil {
			log.Warnf("Status stream lost: %v", err)
		}
		time.Sleep(1 * time.Second)
	}
}
