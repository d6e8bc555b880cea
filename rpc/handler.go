package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/duskchain/duskchain/core"
	"github.com/duskchain/duskchain/events"
	"github.com/duskchain/duskchain/indexer"
	"github.com/duskchain/duskchain/network"
)

// namedListener is a built-in event-bus subscription the operator can
// toggle off/on by name over RPC, rather than by supplying arbitrary code
// (spec §6 control-surface "listener add/remove").
type namedListener struct {
	typ    events.EventType
	fn     events.Handler
	id     events.SubscriptionID
	active bool
}

// Handler holds all dependencies needed to serve RPC methods.
type Handler struct {
	bc      *core.Blockchain
	mempool *core.Mempool
	state   core.State
	indexer *indexer.Indexer
	syncer  *network.Syncer
	emitter *events.Emitter
	chainID string // expected chain_id; used to reject cross-chain replay transactions

	listenerMu sync.Mutex
	listeners  map[string]*namedListener
}

// NewHandler creates an RPC Handler.
func NewHandler(bc *core.Blockchain, mempool *core.Mempool, state core.State, idx *indexer.Indexer, syncer *network.Syncer, emitter *events.Emitter, chainID string) *Handler {
	return &Handler{
		bc:        bc,
		mempool:   mempool,
		state:     state,
		indexer:   idx,
		syncer:    syncer,
		emitter:   emitter,
		chainID:   chainID,
		listeners: make(map[string]*namedListener),
	}
}

// RegisterListener records name as a toggleable built-in listener and
// subscribes fn to typ immediately. Call once per built-in listener after
// construction (spec §4.6 built-in listeners, §6 "listener add/remove").
func (h *Handler) RegisterListener(name string, typ events.EventType, fn events.Handler) {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	id := h.emitter.Subscribe(typ, fn)
	h.listeners[name] = &namedListener{typ: typ, fn: fn, id: id, active: true}
}

// Dispatch routes an RPC request to the correct method.
func (h *Handler) Dispatch(req Request) Response {
	switch req.Method {
	case "getBlockHeight":
		return okResponse(req.ID, h.bc.Height())

	case "getBlock":
		return h.getBlock(req)

	case "getBalance":
		return h.getBalance(req)

	case "getAsset":
		return h.getAsset(req)

	case "getSession":
		return h.getSession(req)

	case "getListing":
		return h.getListing(req)

	case "getAssetsByOwner":
		return h.getAssetsByOwner(req)

	case "sendTx":
		return h.sendTx(req)

	case "getMempoolSize":
		return okResponse(req.ID, h.mempool.Size())

	case "scan":
		return h.scan(req)

	case "fullReset":
		if err := h.bc.FullReset(); err != nil {
			return errResponse(req.ID, CodeInternalError, err.Error())
		}
		return okResponse(req.ID, true)

	case "popOffTo":
		return h.popOffTo(req)

	case "isScanning":
		return okResponse(req.ID, h.bc.IsScanning())

	case "getMinRollbackHeight":
		return okResponse(req.ID, h.bc.MinRollbackHeight())

	case "validateAtNextScan":
		h.bc.ValidateAtNextScan()
		return okResponse(req.ID, true)

	case "setGetMoreBlocks":
		return h.setGetMoreBlocks(req)

	case "getLastBlockchainFeeder":
		return okResponse(req.ID, h.syncer.LastBlockchainFeeder())

	case "getLastBlockchainFeederHeight":
		return okResponse(req.ID, h.syncer.LastBlockchainFeederHeight())

	case "addListener":
		return h.addListener(req)

	case "removeListener":
		return h.removeListener(req)

	default:
		return errResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (h *Handler) getBlock(req Request) Response {
	var params struct {
		Hash   string `json:"hash"`
		Height *int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, "params: "+err.Error())
	}

	var block *core.Block
	var err error
	if params.Hash != "" {
		block, err = h.bc.GetBlock(params.Hash)
	} else if params.Height != nil {
		block, err = h.bc.GetBlockByHeight(*params.Height)
	} else {
		block = h.bc.Tip()
	}
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	if block == nil {
		return errResponse(req.ID, CodeInternalError, "no block found")
	}
	return okResponse(req.ID, block)
}

func (h *Handler) getBalance(req Request) Response {
	var params struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Address == "" {
		return errResponse(req.ID, CodeInvalidParams, "address is required")
	}
	acc, err := h.state.GetAccount(params.Address)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]any{"address": params.Address, "balance": acc.Balance, "nonce": acc.Nonce})
}

func (h *Handler) getAsset(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	asset, err := h.state.GetAsset(params.ID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, asset)
}

func (h *Handler) getSession(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	sess, err := h.state.GetSession(params.ID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, sess)
}

func (h *Handler) getListing(req Request) Response {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.ID == "" {
		return errResponse(req.ID, CodeInvalidParams, "id is required")
	}
	listing, err := h.state.GetListing(params.ID)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, listing)
}

func (h *Handler) getAssetsByOwner(req Request) Response {
	var params struct {
		Owner string `json:"owner"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	if params.Owner == "" {
		return errResponse(req.ID, CodeInvalidParams, "owner is required")
	}
	ids, err := h.indexer.GetAssetsByOwner(params.Owner)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, ids)
}

func (h *Handler) sendTx(req Request) Response {
	var tx core.Transaction
	if err := json.Unmarshal(req.Params, &tx); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	// Reject transactions destined for a different network to prevent
	// cross-chain replay attacks.
	if tx.ChainID != h.chainID {
		return errResponse(req.ID, CodeInvalidParams,
			fmt.Sprintf("chain ID mismatch: got %q want %q", tx.ChainID, h.chainID))
	}
	// Recompute the ID server-side; do not trust the client-provided value.
	tx.ID = tx.Hash()
	if err := h.mempool.Add(&tx, time.Now().Unix()); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]string{"tx_id": tx.ID})
}

// scan accepts either an absolute {"height": h} or a relative
// {"num_blocks": n} (rewound from the current tip), per spec §6's
// "scan(height)" / "scan(numBlocks)" control-surface pair.
func (h *Handler) scan(req Request) Response {
	var params struct {
		Height    *int64 `json:"height"`
		NumBlocks *int64 `json:"num_blocks"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	var height int64
	switch {
	case params.Height != nil:
		height = *params.Height
	case params.NumBlocks != nil:
		height = h.bc.Height() - *params.NumBlocks + 1
		if height < 0 {
			height = 0
		}
	default:
		return errResponse(req.ID, CodeInvalidParams, "height or num_blocks is required")
	}
	if err := h.bc.Scan(height); err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, true)
}

func (h *Handler) setGetMoreBlocks(req Request) Response {
	var params struct {
		On bool `json:"on"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	h.syncer.SetGetMoreBlocks(params.On)
	return okResponse(req.ID, true)
}

func (h *Handler) addListener(req Request) Response {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	nl, ok := h.listeners[params.Name]
	if !ok {
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown listener %q", params.Name))
	}
	if !nl.active {
		nl.id = h.emitter.Subscribe(nl.typ, nl.fn)
		nl.active = true
	}
	return okResponse(req.ID, true)
}

func (h *Handler) removeListener(req Request) Response {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	nl, ok := h.listeners[params.Name]
	if !ok {
		return errResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown listener %q", params.Name))
	}
	if nl.active {
		h.emitter.Unsubscribe(nl.typ, nl.id)
		nl.active = false
	}
	return okResponse(req.ID, true)
}

func (h *Handler) popOffTo(req Request) Response {
	var params struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errResponse(req.ID, CodeInvalidParams, err.Error())
	}
	popped, err := h.bc.PopOffTo(params.Height)
	if err != nil {
		return errResponse(req.ID, CodeInternalError, err.Error())
	}
	return okResponse(req.ID, map[string]int{"popped": len(popped)})
}
