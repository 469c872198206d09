// Command hvsprobe attaches the driver core to an in-process loopback
// channel and issues a TEST UNIT READY and an INQUIRY against a
// simulated disk, printing the adapter values set at attach, both
// completion statuses, and a dump of the raw INQUIRY reply bytes. It exists to exercise Attach/Submit end to end
// outside of a test binary, the way tcmufile exercises go-tcmu's device
// package from the command line.
package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/aahadley/hvs"
	"github.com/aahadley/hvs/dmasim"
	"github.com/aahadley/hvs/midlayer"
	"github.com/aahadley/hvs/scsi"
	"github.com/aahadley/hvs/simchannel"
)

var cli struct {
	Verbose bool   `help:"Enable debug logging." short:"v"`
	Buggy   string `help:"Simulate a buggy host INQUIRY reply." enum:"none,no-device,short-msft" default:"none"`
	Target  uint8  `help:"SCSI target id to probe." default:"0"`
	LUN     uint8  `help:"SCSI LUN to probe." default:"0"`
}

type sink struct{ results chan result }

type result struct {
	xs     *midlayer.Transfer
	status midlayer.Status
}

func (s *sink) Done(xs *midlayer.Transfer, status midlayer.Status) {
	s.results <- result{xs: xs, status: status}
}

func main() {
	kong.Parse(&cli)

	if cli.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	buggy := simchannel.NotBuggy
	switch cli.Buggy {
	case "no-device":
		buggy = simchannel.BuggyNoDeviceQualifier
	case "short-msft":
		buggy = simchannel.BuggyShortMsftInquiry
	}

	disk := &simchannel.MemDisk{
		BlockSize: 512,
		Blocks:    make([]byte, 512*64),
		Buggy:     buggy,
	}

	tag, resolver := dmasim.NewTag()
	ch := simchannel.New(0, 7, 1<<20, disk, resolver)

	sk := &sink{results: make(chan result, 4)}
	adapter := &midlayer.Adapter{}

	// Submit is entered with the coarse lock held, as a midlayer would.
	var coarse sync.Mutex
	sc, err := hvs.Attach(ch, tag, sk, adapter, nil, hvs.WithCoarseLock(&coarse))
	if err != nil {
		fmt.Fprintf(os.Stderr, "attach failed: %v\n", err)
		os.Exit(1)
	}
	defer sc.Close()

	spew.Dump(adapter)

	pool := sc.Pool()

	tur := pool.Acquire()
	if tur == nil {
		fmt.Fprintln(os.Stderr, "no CCBs available")
		os.Exit(1)
	}
	xs := &midlayer.Transfer{
		CDB:    []byte{scsi.TestUnitReady, 0, 0, 0, 0, 0},
		Target: cli.Target,
		LUN:    cli.LUN,
		Flags:  midlayer.Polled,
	}
	coarse.Lock()
	sc.Submit(xs, tur)
	coarse.Unlock()
	res := <-sk.results
	fmt.Printf("TEST UNIT READY: status=%v\n", res.status)

	inq := pool.Acquire()
	xs = &midlayer.Transfer{
		CDB:    []byte{scsi.Inquiry, 0, 0, 0, 36, 0},
		Data:   make([]byte, 36),
		Target: cli.Target,
		LUN:    cli.LUN,
		Flags:  midlayer.Polled | midlayer.DataIn,
	}
	coarse.Lock()
	sc.Submit(xs, inq)
	coarse.Unlock()
	res = <-sk.results
	fmt.Printf("INQUIRY: status=%v\n", res.status)
	spew.Dump(res.xs.Data)
}
