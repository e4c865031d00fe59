package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"goji.io"

	yml "gopkg.in/yaml.v2"

	"github.com/qdevil-lab/golabq/generichttp/ascii"
	"github.com/qdevil-lab/golabq/generichttp/dac"
	"github.com/qdevil-lab/golabq/minicircuits"
	"github.com/qdevil-lab/golabq/qdac"
	"github.com/qdevil-lab/golabq/server/middleware/locker"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "qdacsrv.yml"
	k              = koanf.New(".")
)

// SwitchSetup describes one Mini-Circuits SPDT box to serve alongside the QDAC
type SwitchSetup struct {
	// ProductID is the USB product id of the box; the vendor id is fixed
	ProductID int `yaml:"productID"`

	// Serial selects among several attached boxes, may be empty with one box
	Serial string `yaml:"serial"`

	// Endpoint is the URL stem the switch routes are served under
	Endpoint string `yaml:"endpoint"`
}

// Config holds the initialization parameters for the server
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"addr"`

	// Device is the serial device of the QDAC, e.g. /dev/ttyUSB0, or a
	// network address when TCP is set
	Device string `yaml:"device"`

	// TCP dials Device as host:port on a serial-to-ethernet bridge
	// instead of opening it as a local serial port
	TCP bool `yaml:"tcp"`

	// Endpoint is the URL stem the QDAC routes are served under
	Endpoint string `yaml:"endpoint"`

	// Mock serves a simulated QDAC instead of opening Device
	Mock bool `yaml:"mock"`

	// MockBoards is the board count of the simulated unit
	MockBoards int `yaml:"mockBoards"`

	// Switches lists Mini-Circuits SPDT boxes to serve as well
	Switches []SwitchSetup `yaml:"switches"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:       ":8000",
		Device:     "/dev/ttyUSB0",
		Endpoint:   "/qdac",
		MockBoards: 3,
		Switches:   []SwitchSetup{}}, "yaml"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `qdacsrv communicates with a QDevil QDAC voltage source and exposes an HTTP
interface to it.  This enables a server-client architecture, and the clients
can leverage the excellent HTTP libraries for any programming language.

Usage:
	qdacsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `qdacsrv is amenable to configuration via its .yml file.  For a primer on YAML,
see https://yaml.org/start.html

Use mkconf to write a starter configuration to the working directory, then
edit it.  The QDAC is served under <endpoint> with per-channel routes like
/chan/1/voltage, plus /ramp, /reset, /raw and /lock.  Startup performs a
calibrated-range query per channel, so a 48 channel unit takes a little
while to come up.

With mock: true a simulated unit with mockBoards boards is served instead of
opening the serial device, which is handy for client development away from
the hardware.

Mini-Circuits RC-series SPDT switch boxes may be served alongside the QDAC by
listing them under switches; each gets /model-name, /serial-number and
/switch/<n> routes under its endpoint.`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("qdacsrv version %v\n", Version)
}

// sanitizeStem guarantees a leading slash and no trailing slash
func sanitizeStem(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	return strings.TrimSuffix(stem, "/")
}

func connect(c Config) (*qdac.QDac, error) {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " connecting to QDAC",
		SuffixAutoColon: true,
		Message:         "querying calibrated channel ranges",
		StopCharacter:   "✓",
		StopColors:      []string{"fgGreen"},
	}
	open := func() (*qdac.QDac, error) {
		switch {
		case c.Mock:
			return qdac.NewMock(c.MockBoards)
		case c.TCP:
			return qdac.NewTCP(c.Device)
		default:
			return qdac.New(c.Device)
		}
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		// cosmetics must not stop the server
		return open()
	}
	spinner.Start()
	q, err := open()
	if err != nil {
		spinner.StopFail()
		return nil, err
	}
	spinner.Stop()
	return q, nil
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	q, err := connect(c)
	if err != nil {
		log.Fatal(err)
	}

	httpD := dac.NewHTTPDAC(q)
	ascii.InjectRawComm(httpD, q)
	lock := locker.New()
	locker.Inject(httpD, lock)

	rootR := chi.NewRouter()
	rootR.Use(middleware.Logger)
	sub := chi.NewRouter()
	sub.Use(lock.Check)
	httpD.RouteTable.Bind(sub)
	stem := sanitizeStem(c.Endpoint)
	rootR.Mount(stem, sub)
	supergraph := map[string][]string{stem: httpD.RouteTable.Endpoints()}

	for _, setup := range c.Switches {
		t, err := minicircuits.Open(minicircuits.VendorID, uint16(setup.ProductID), setup.Serial)
		if err != nil {
			log.Printf("error opening switch %q, remote access to it will not be configured: %v", setup.Endpoint, err)
			continue
		}
		wrapper := minicircuits.NewHTTPWrapper(minicircuits.NewSPDTSwitch(t))
		mux := goji.NewMux()
		wrapper.Bind(mux)
		swStem := sanitizeStem(setup.Endpoint)
		rootR.Mount(swStem, mux)
		supergraph[swStem] = []string{"/model-name", "/serial-number", "/switch/:sw"}
	}

	rootR.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		q.Close()
		os.Exit(0)
	}()

	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, rootR))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
