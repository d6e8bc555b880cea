// Command node starts a duskchain node.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/duskchain/duskchain/config"
	"github.com/duskchain/duskchain/consensus"
	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/crypto/certgen"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/indexer"
	"github.com/duskchain/duskchain/network"
	"github.com/duskchain/duskchain/rpc"
	"github.com/duskchain/duskchain/storage"
	"github.com/duskchain/duskchain/vm"
	"github.com/duskchain/duskchain/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/duskchain/duskchain/vm/modules/alias"
	_ "github.com/duskchain/duskchain/vm/modules/asset"
	_ "github.com/duskchain/duskchain/vm/modules/dgs"
	_ "github.com/duskchain/duskchain/vm/modules/payment"
	_ "github.com/duskchain/duskchain/vm/modules/session"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		log.Println("WARNING: TOL_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- load validator key ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	stateDB := db // reuse same DB with different key prefixes
	blockStore := storage.NewLevelBlockStore(db)

	// ---- initialise state ----
	state := storage.NewStateDB(stateDB)

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- VM executor ----
	exec := vm.NewExecutor(state, emitter)

	// ---- listener bus adapter ----
	// core.Blockchain knows nothing about events.Emitter (it would create an
	// import cycle with events' domain-event consumers); it calls back
	// through a plain Listener func, which this adapter maps onto the typed
	// events.EventType constants the rest of the node subscribes against.
	onEvent := func(eventType string, blockHeight int64, blockID string, data map[string]any) error {
		return emitter.Emit(events.Event{
			Type:        events.EventType(eventType),
			BlockID:     blockID,
			BlockHeight: blockHeight,
			Data:        data,
		})
	}

	// ---- initialise blockchain ----
	bc := core.NewBlockchain(blockStore, state, exec, onEvent, core.BlockchainConfig{
		ChainID:                    cfg.Genesis.ChainID,
		AllowFakeForging:           cfg.AllowFakeForging,
		TransparentForgingHeight:   cfg.TransparentForgingHeight,
		NQTHeight:                  cfg.NQTHeight,
		TransparentForgingChecksum: cfg.TransparentForgingChecksum,
		NQTChecksum:                cfg.NQTChecksum,
		ReferencedFullHashHeight:   cfg.ReferencedTransactionFullHashHeight,
		MaxRollback:                int64(cfg.MaxRollback),
		TrimDerivedTables:          cfg.TrimDerivedTables,
		MaxPayloadLength:           cfg.MaxPayloadLength,
		MaxBlockTxs:                cfg.MaxBlockTxs,
		ForceValidate:              cfg.ForceValidate,
	})
	if err := bc.Init(); err != nil {
		log.Fatalf("blockchain init: %v", err)
	}

	// ---- mempool ----
	// The blockchain's own pool: the one ProcessFork and Scan requeue into.
	mempool := bc.Mempool()

	// ---- genesis block (if fresh chain) ----
	if bc.Tip() == nil {
		genesisBlock, err := config.CreateGenesisBlock(cfg, state, privKey)
		if err != nil {
			log.Fatalf("genesis: %v", err)
		}
		if err := bc.Bootstrap(genesisBlock); err != nil {
			log.Fatalf("bootstrap genesis: %v", err)
		}
		log.Printf("Genesis block committed: %s", genesisBlock.ID)
	}

	if cfg.ForceScan {
		log.Println("Forcing full chain rescan from genesis...")
		if err := bc.FullReset(); err != nil {
			log.Fatalf("force scan: %v", err)
		}
	}

	// ---- consensus ----
	pos := consensus.New(cfg, bc, state, mempool, exec, emitter, privKey)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		log.Println("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, tlsCfg)
	syncer := network.NewSyncer(node, bc)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	log.Printf("P2P listening on %s", p2pAddr)

	// ---- connect to seed peers ----
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			log.Printf("seed peer %s (%s): %v", sp.ID, sp.Addr, err)
			continue
		}
		// Trigger initial block sync with the newly connected peer.
		if peer := node.Peer(sp.ID); peer != nil {
			syncer.SyncWithPeer(peer)
		}
		log.Printf("Connected to seed peer %s (%s)", sp.ID, sp.Addr)
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(bc, mempool, state, idx, syncer, emitter, cfg.Genesis.ChainID)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	log.Printf("RPC listening on %s", rpcAddr)
	if cfg.RPCAuthToken != "" {
		log.Println("RPC Bearer token authentication enabled")
	}

	// ---- built-in listeners ----
	// Height counter: a cheap heartbeat in the log every 5,000 blocks, so an
	// operator tailing logs on a quiet node can see it's still advancing.
	rpcHandler.RegisterListener("height_counter", events.EventBlockPushed, func(ev events.Event) error {
		if ev.BlockHeight%5000 == 0 {
			log.Printf("[height] reached block %d", ev.BlockHeight)
		}
		return nil
	})

	// Store analyzer: compacts the LevelDB keyspace every 5,000 blocks and
	// once more at the end of a rescan, when the derived tables have just
	// been rewritten wholesale and are most fragmented.
	analyze := func() error {
		if err := db.Analyze(); err != nil {
			log.Printf("[store] analyze: %v", err)
			return err
		}
		return nil
	}
	rpcHandler.RegisterListener("store_analyzer", events.EventBlockPushed, func(ev events.Event) error {
		if ev.BlockHeight%5000 == 0 {
			return analyze()
		}
		return nil
	})
	rpcHandler.RegisterListener("store_analyzer_rescan_end", events.EventRescanEnd, func(ev events.Event) error {
		return analyze()
	})

	// Trim scheduler: prunes derived-table history beyond the rollback
	// window every 1,440 blocks (roughly once a day at a 60s block time),
	// moved here from an unconditional call inside PushBlock so it can be
	// toggled off via addListener/removeListener like any other built-in.
	if cfg.TrimDerivedTables {
		rpcHandler.RegisterListener("trim_scheduler", events.EventBlockPushed, func(ev events.Event) error {
			if ev.BlockHeight%1440 == 0 {
				bc.Trim(ev.BlockHeight)
			}
			return nil
		})
	}

	// Mempool drain: transactions requeued as "process later" by a
	// rejected fork (ProcessFork) or an abandoned branch (Scan) would
	// otherwise sit in that queue forever; resubmit them through the normal
	// validation path on every accepted block so they get another chance.
	emitter.Subscribe(events.EventBlockPushed, func(ev events.Event) error {
		for _, tx := range mempool.DrainLater() {
			if err := mempool.Add(tx, time.Now().Unix()); err != nil {
				log.Printf("[mempool] requeue %s: %v", tx.ID, err)
			}
		}
		return nil
	})

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pos.Run(2*time.Second, done)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		syncer.RunDownloadLoop(done)
	}()
	log.Printf("Consensus running (validator: %s)", privKey.Public().Hex())

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("Shutting down...")

	// 1. Stop consensus first (no new blocks written)
	close(done)
	wg.Wait()

	// 2. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	log.Println("Shutdown complete.")
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
