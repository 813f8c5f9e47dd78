package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/arch/arm64/arm64asm"

	"github.com/spf13/cobra"
	"github.com/tarsierlabs/tarsier/internal/bridge"
	"github.com/tarsierlabs/tarsier/internal/config"
	"github.com/tarsierlabs/tarsier/internal/emulator"
	"github.com/tarsierlabs/tarsier/internal/hostproc"
	"github.com/tarsierlabs/tarsier/internal/loader"
	tlog "github.com/tarsierlabs/tarsier/internal/log"
	"github.com/tarsierlabs/tarsier/internal/script"
	"github.com/tarsierlabs/tarsier/internal/stubs"
	_ "github.com/tarsierlabs/tarsier/internal/stubs/all"
	"github.com/tarsierlabs/tarsier/internal/stubs/dl"
	"github.com/tarsierlabs/tarsier/internal/trace"
	"github.com/tarsierlabs/tarsier/internal/ui/colorize"
)

var (
	verbose    bool
	noColor    bool
	live       bool
	cfgPath    string
	scriptPath string
	maxInsn    int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tarsier",
		Short: "Observe the mapped-library registry of ARM64 loader environments",
		Long: `Tarsier maps ARM64 shared objects into an emulated process with a real
dynamic loader: segments, DT_NEEDED dependencies and relocations. The loader
maintains a registry of every mapped library and exposes two entry points,
jni_loader_iter_libs and jni_loader_lib_loaded, that instrumentation talks to.

Examples:
  tarsier libs libtarget.so            # Enumerate mapped libraries
  tarsier watch libtarget.so           # Stream load events as they happen
  tarsier run libtarget.so init        # Call an export with a trace
  tarsier info libtarget.so            # Show binary info`,
		DisableFlagsInUseLine: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colorized output")
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&scriptPath, "script", "", "JavaScript file to run after setup")

	libsCmd := &cobra.Command{
		Use:   "libs [binary.so]",
		Short: "Enumerate mapped libraries through the registry",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLibs,
	}
	libsCmd.Flags().BoolVar(&live, "live", false, "query this process instead of emulating a binary")
	watchCmd := &cobra.Command{
		Use:   "watch <binary.so>",
		Short: "Stream library load events",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	runCmd := &cobra.Command{
		Use:   "run <binary.so> <symbol> [args...]",
		Short: "Call an exported function with an instruction trace",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runCall,
	}
	runCmd.Flags().IntVarP(&maxInsn, "num", "n", 0, "max instructions to show (overrides config)")
	infoCmd := &cobra.Command{
		Use:   "info <binary.so>",
		Short: "Show binary information",
		Args:  cobra.ExactArgs(1),
		RunE:  showInfo,
	}
	rootCmd.AddCommand(libsCmd, watchCmd, runCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
	}
	if verbose {
		cfg.Verbose = true
	}
	if noColor {
		cfg.NoColor = true
	}
	if scriptPath != "" {
		cfg.Script = scriptPath
	}
	if maxInsn > 0 {
		cfg.MaxInsn = maxInsn
	}
	if cfg.NoColor {
		os.Setenv("TARSIER_NO_COLOR", "1")
	}
	return cfg, nil
}

// session ties together the emulator, loader, bridge and trace collection
// for one invocation.
type session struct {
	cfg       *config.Config
	emu       *emulator.Emulator
	ldr       *loader.Loader
	br        *bridge.Bridge
	tr        *trace.Session
	target    *loader.Library
	installed int
}

func newSession(cfg *config.Config) (*session, error) {
	tlog.Init(cfg.Verbose)
	stubs.Debug = cfg.Verbose

	emu, err := emulator.New()
	if err != nil {
		return nil, fmt.Errorf("create emulator: %w", err)
	}

	ldr, err := loader.New(emu, tlog.L)
	if err != nil {
		return nil, err
	}
	ldr.ExtraPaths = cfg.SearchPaths
	dl.Bind(ldr)

	s := &session{
		cfg: cfg,
		emu: emu,
		ldr: ldr,
		br:  bridge.New(bridge.NewEmuHost(ldr), tlog.L),
		tr:  trace.NewSession(),
	}

	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		s.tr.Record(emu.LR(), category, name, detail)
	}
	return s, nil
}

// loadTarget maps preloads and the target, resolves dependencies, applies
// configured overrides and relocates everything.
func (s *session) loadTarget(path string) error {
	for _, pre := range s.cfg.Preload {
		lib, err := s.load(pre)
		if err != nil {
			return fmt.Errorf("preload %s: %w", pre, err)
		}
		if err := lib.LoadDependencies(); err != nil {
			return err
		}
	}

	target, err := s.load(path)
	if err != nil {
		return err
	}
	s.target = target

	if err := target.LoadDependencies(); err != nil {
		return err
	}

	for _, ov := range s.cfg.Overrides {
		lib, ok := s.ldr.ByName(ov.Lib)
		if !ok {
			tlog.L.Warn("override for library that is not loaded: " + ov.Lib)
			continue
		}
		lib.OverrideSymbol(ov.Symbol, ov.Value)
	}

	for _, lib := range s.ldr.Libraries() {
		if err := lib.Initialize(); err != nil {
			return err
		}
	}

	s.installed = stubs.Install(s.emu, s.ldr.ImportStubs())
	return nil
}

func (s *session) load(path string) (*loader.Library, error) {
	if strings.ContainsRune(path, os.PathSeparator) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		return s.ldr.Load(abs)
	}
	return s.ldr.LoadFromName(path)
}

func (s *session) runScript() error {
	if s.cfg.Script == "" {
		return nil
	}
	rt, err := script.New(s.br, tlog.L)
	if err != nil {
		return err
	}
	return rt.RunFile(s.cfg.Script)
}

func printSessionHeader(s *session, binary string) {
	fmt.Println()
	fmt.Printf("%s tarsier ─ loader introspection\n", colorize.Header("▶"))
	fmt.Printf("  %s %s\n", colorize.Detail("Target:"), binary)
	fmt.Printf("  %s %s\n", colorize.Detail("Session:"), s.tr.ID.String())
	if s.target != nil {
		fmt.Printf("  %s %s  %s %s\n",
			colorize.Detail("Base:"), colorize.Address(s.target.Base),
			colorize.Detail("End:"), colorize.Address(s.target.End))
	}
	fmt.Println()
}

func runLibs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if live {
		return runLibsLive(cfg)
	}
	if len(args) == 0 {
		return fmt.Errorf("binary required unless --live is set")
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err := s.loadTarget(args[0]); err != nil {
		return err
	}
	if err := s.runScript(); err != nil {
		return err
	}

	libs, err := s.br.MappedLibs()
	if err != nil {
		return err
	}

	printSessionHeader(s, args[0])
	for _, lib := range libs {
		name := lib.Name
		if name == "" {
			name = "<unnamed>"
		}
		fmt.Printf("  %s  %s\n", colorize.Address(lib.Base), colorize.FuncName(name))
	}
	fmt.Println()
	fmt.Printf("%s %s libraries\n",
		colorize.Border("─────"),
		colorize.FuncName(fmt.Sprintf("%d", len(libs))))
	return nil
}

// runLibsLive enumerates through the entry points of the process tarsier
// itself runs in, for targets that embed the loader natively.
func runLibsLive(cfg *config.Config) error {
	tlog.Init(cfg.Verbose)
	br := bridge.New(hostproc.New(), tlog.L)

	libs, err := br.MappedLibs()
	if err != nil {
		return err
	}
	for _, lib := range libs {
		name := lib.Name
		if name == "" {
			name = "<unnamed>"
		}
		fmt.Printf("  %s  %s\n", colorize.Address(lib.Base), colorize.FuncName(name))
	}
	fmt.Println()
	fmt.Printf("%s %s libraries\n",
		colorize.Border("─────"),
		colorize.FuncName(fmt.Sprintf("%d", len(libs))))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}

	// Scripts may claim the observer slot themselves; otherwise print every
	// event. Either way the observer is in place before the first mapping.
	if cfg.Script != "" {
		if err := s.runScript(); err != nil {
			return err
		}
	}
	if cfg.Script == "" {
		err := s.br.SetObserver(func(m bridge.MappedLib) {
			fmt.Printf("%s %s  %s\n",
				colorize.Tag("#load-event"),
				colorize.Address(m.Base),
				colorize.FuncName(m.Name))
		})
		if err != nil {
			return err
		}
	}

	if err := s.loadTarget(args[0]); err != nil {
		return err
	}

	libs, err := s.br.MappedLibs()
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Printf("%s %s libraries mapped\n",
		colorize.Border("─────"),
		colorize.FuncName(fmt.Sprintf("%d", len(libs))))
	return nil
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err := s.loadTarget(args[0]); err != nil {
		return err
	}
	if err := s.runScript(); err != nil {
		return err
	}

	symName := args[1]
	addr, ok := s.target.Symbol(symName)
	if !ok {
		addr, ok = s.ldr.FindExport(symName)
	}
	if !ok {
		return fmt.Errorf("symbol not found: %s", symName)
	}

	var callArgs []uint64
	for _, a := range args[2:] {
		v, err := parseUint(a)
		if err != nil {
			return fmt.Errorf("argument %q: %w", a, err)
		}
		callArgs = append(callArgs, v)
	}

	printSessionHeader(s, args[0])
	fmt.Printf("  %s %s %s\n\n",
		colorize.Detail("Calling:"), colorize.FuncName(symName), colorize.Address(addr))

	addrToSym := make(map[uint64]string)
	for _, lib := range s.ldr.Libraries() {
		for name, a := range lib.Symbols {
			if existing, ok := addrToSym[a]; !ok || len(name) < len(existing) {
				addrToSym[a] = name
			}
		}
	}

	out := newOutputWriter()
	count := 0
	s.emu.HookCode(func(e *emulator.Emulator, insnAddr uint64, size uint32) {
		count++
		if count > cfg.MaxInsn {
			return
		}
		code, _ := e.MemRead(insnAddr, 4)
		dis := disasm(code)
		out.Write(formatLine(insnAddr, code, dis, addrToSym[insnAddr], s.tr.Drain()))
		if isBlockEnd(dis) {
			out.Write("")
		}
	})

	ret, callErr := s.emu.Call(addr, callArgs...)
	out.Close()

	fmt.Println()
	fmt.Print(colorize.Border("───────────────────────────────────────── "))
	fmt.Printf("%s insn  %s %s",
		colorize.FuncName(fmt.Sprintf("%d", count)),
		colorize.Detail("ret"),
		colorize.Address(ret))
	if callErr != nil {
		fmt.Printf("  %s", colorize.Error(callErr.Error()))
	}
	fmt.Println()
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := newSession(cfg)
	if err != nil {
		return err
	}
	if err := s.loadTarget(args[0]); err != nil {
		return err
	}
	target := s.target

	fmt.Printf("Binary:  %s\n", target.Name)
	fmt.Printf("Base:    0x%x\n", target.Base)
	fmt.Printf("End:     0x%x\n", target.End)
	fmt.Printf("Entry:   0x%x\n", target.Entry)
	fmt.Printf("Symbols: %d\n", len(target.Symbols))

	if needed := target.Needed(); len(needed) > 0 {
		fmt.Println("\nDependencies:")
		for _, name := range needed {
			status := "not found"
			if _, ok := s.ldr.ByName(name); ok {
				status = "loaded"
			}
			fmt.Printf("  %-32s %s\n", name, status)
		}
	}

	fmt.Println("\nLoader entry points:")
	for _, name := range []string{loader.ExportIterLibs, loader.ExportLibLoaded} {
		if addr, ok := s.ldr.FindExport(name); ok {
			fmt.Printf("  %-24s 0x%x\n", name, addr)
		} else {
			fmt.Printf("  %-24s missing\n", name)
		}
	}
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}

type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter() *outputWriter {
	w := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(os.Stdout, 64*1024),
	}
	go w.run()
	return w
}

func (w *outputWriter) run() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case line, ok := <-w.ch:
			if !ok {
				w.writer.Flush()
				close(w.done)
				return
			}
			w.writer.WriteString(line)
			w.writer.WriteByte('\n')
		case <-ticker.C:
			w.writer.Flush()
		}
	}
}

func (w *outputWriter) Write(line string) {
	select {
	case w.ch <- line:
	default:
	}
}

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func disasm(code []byte) string {
	if len(code) < 4 {
		return "???"
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return inst.String()
}

func instructionTags(dis string) []string {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "BL":
		return []string{"#call"}
	case "BLR":
		return []string{"#call", "#br"}
	case "BR":
		return []string{"#br"}
	case "RET":
		return []string{"#ret"}
	case "SVC":
		return []string{"#syscall"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	fields := strings.Fields(strings.ToUpper(dis))
	if len(fields) == 0 {
		return false
	}
	switch fields[0] {
	case "RET", "BR", "B", "ERET":
		return true
	}
	if strings.HasPrefix(fields[0], "B.") ||
		strings.HasPrefix(fields[0], "CBZ") || strings.HasPrefix(fields[0], "CBNZ") ||
		strings.HasPrefix(fields[0], "TBZ") || strings.HasPrefix(fields[0], "TBNZ") {
		return true
	}
	return false
}

func formatLine(addr uint64, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	if len(code) >= 4 {
		hexBytes := fmt.Sprintf("%02X%02X%02X%02X", code[3], code[2], code[1], code[0])
		b.WriteString(colorize.HexBytes(hexBytes))
		b.WriteString("  ")
		visibleLen += 8 + 2
	}

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	var allTags []string
	allTags = append(allTags, instructionTags(dis)...)
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		for k, v := range e.Annotations {
			comments = append(comments, k+"="+v)
		}
		allTags = append(allTags, e.Tags.Strings()...)
	}

	if len(comments) > 0 || len(allTags) > 0 {
		var parts []string
		if len(allTags) > 0 {
			parts = append(parts, strings.Join(allTags, " "))
		}
		if len(comments) > 0 {
			parts = append(parts, strings.Join(comments, ", "))
		}
		comment := "; " + strings.Join(parts, " ")
		b.WriteString(colorize.Comment(comment))
		visibleLen += len(comment)
		b.WriteString("  ")
		visibleLen += 2
	}

	hasContent := false
	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
		hasContent = true
	}
	for _, e := range events {
		if e.Name != "" {
			if hasContent {
				b.WriteByte(' ')
			}
			b.WriteString(colorize.FuncName(e.Name))
			hasContent = true
		}
	}

	return b.String()
}
