package main

import (
	"flag"
	"log"

	"github.com/PatchLens/go-aspect-weaver/weave"
)

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC)

	reportJsonFile := flag.String("json", "weavereport.json", "Weave report to render")
	reportChartsFile := flag.String("charts", "weavereport.png", "File to output the overview chart image")
	flag.Parse()

	report, err := weave.ReadReport(*reportJsonFile)
	if err != nil {
		log.Fatalf("%sFailed to read report: %v", weave.ErrorLogPrefix, err)
	}
	if err := report.WriteCharts(*reportChartsFile); err != nil {
		log.Fatalf("%s%v", weave.ErrorLogPrefix, err)
	}
	log.Println("Report file wrote: " + *reportChartsFile)
}
