package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync/atomic"
	"time"
)

func TestFind(c Config) {

	if c.Base == "" {
		start, stop := CreateServer(&c)
		defer stop()
		go start()
		time.Sleep(100 * time.Millisecond)
	}

	client := &http.Client{
		Transport: &http.Transport{
			MaxConnsPerHost:     1024,
			MaxIdleConnsPerHost: 1024,
			MaxIdleConns:        1024,
		},
	}

	requests := c.Requests
	rows := int64(0)

	t0 := time.Now()
	Parallel(c.Workers, func() {
		for atomic.AddInt64(&requests, -1) >= 0 {

			payload, _ := json.Marshal(JSON{
				"filter": JSON{"cell": rand.IntN(100)},
				"limit":  100,
			})

			resp, err := client.Post(c.Base+"/v1/types/particle:find", "application/json", bytes.NewReader(payload))
			if err != nil {
				fmt.Println("ERROR: do request:", err.Error())
				os.Exit(4)
			}
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			atomic.AddInt64(&rows, int64(bytes.Count(body, []byte("\n"))))
		}
	})

	took := time.Since(t0)
	fmt.Println("requests:", c.Requests)
	fmt.Println("rows:", rows)
	fmt.Println("took:", took)
	fmt.Printf("Throughput: %.2f requests/sec\n", float64(c.Requests)/took.Seconds())
}
