package chainrpc

// Hand-written ABI fragments for the two contracts the relay talks to. Only
// the entry points the relay uses are declared; the deployed contracts carry
// more surface than this.

const bridgeABIJSON = `[
  {"type":"function","name":"currentStateRoot","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"currentBatchId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"sequencer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"getBatchInfo","stateMutability":"view","inputs":[{"name":"batchId","type":"uint256"}],"outputs":[{"name":"root","type":"bytes32"},{"name":"withdrawalCount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"finalized","type":"bool"}]},
  {"type":"function","name":"isWithdrawalProcessed","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"submitBatch","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"},{"name":"withdrawals","type":"tuple[]","components":[{"name":"user","type":"address"},{"name":"amount","type":"uint256"},{"name":"nonce","type":"uint256"}]},{"name":"signatures","type":"bytes[]"}],"outputs":[]},
  {"type":"event","name":"Deposit","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"WithdrawalProcessed","inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"nonce","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"BatchSubmitted","inputs":[{"name":"batchId","type":"uint256","indexed":true},{"name":"root","type":"bytes32","indexed":false},{"name":"withdrawalCount","type":"uint256","indexed":false}],"anonymous":false}
]`

const dealRegistryABIJSON = `[
  {"type":"function","name":"registerDeal","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"bytes32"},{"name":"client","type":"address"},{"name":"cid","type":"string"},{"name":"sizeMB","type":"uint256"},{"name":"priceUSDC","type":"uint256"},{"name":"durationDays","type":"uint256"},{"name":"clientStake","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"grief","stateMutability":"nonpayable","inputs":[{"name":"dealId","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"getRelayInfo","stateMutability":"view","inputs":[{"name":"relay","type":"address"}],"outputs":[{"name":"owner","type":"address"},{"name":"endpoint","type":"string"},{"name":"stake","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"function","name":"getClientDeals","stateMutability":"view","inputs":[{"name":"client","type":"address"}],"outputs":[{"name":"","type":"bytes32[]"}]},
  {"type":"function","name":"getDeal","stateMutability":"view","inputs":[{"name":"dealId","type":"bytes32"}],"outputs":[{"name":"onChainId","type":"uint256"},{"name":"client","type":"address"},{"name":"cid","type":"string"},{"name":"sizeMB","type":"uint256"},{"name":"priceUSDC","type":"uint256"},{"name":"durationDays","type":"uint256"},{"name":"active","type":"bool"}]},
  {"type":"event","name":"DealRegistered","inputs":[{"name":"dealId","type":"bytes32","indexed":true},{"name":"onChainId","type":"uint256","indexed":false}],"anonymous":false}
]`

const erc20ABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`
