// Command capmesh-schema builds the demo capability registry and writes
// its schema document as JSON. Registry construction is side-effect-free,
// so the export runs without connecting to any broker.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"

	"github.com/c360/capmesh/capability"
	"github.com/c360/capmesh/examples/counter"
)

func main() {
	out := flag.String("out", "-", "Output path for the schema document, - for stdout")
	indent := flag.Bool("indent", true, "Indent the JSON output")
	flag.Parse()

	registry, err := capability.Build(counter.New().Capability())
	if err != nil {
		log.Fatalf("failed to build registry: %v", err)
	}

	doc := registry.Schema()
	var data []byte
	if *indent {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = json.Marshal(doc)
	}
	if err != nil {
		log.Fatalf("failed to encode schema document: %v", err)
	}
	data = append(data, '\n')

	if *out == "-" {
		if _, err := os.Stdout.Write(data); err != nil {
			log.Fatalf("failed to write schema document: %v", err)
		}
		return
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("wrote schema document for %d capabilities to %s",
		len(registry.Capabilities()), *out)
}
