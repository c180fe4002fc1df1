package decoder

// marketABI describes the events emitted by the prediction market contract.
const marketABI = `[
  {
    "type": "event",
    "name": "MarketCreated",
    "anonymous": false,
    "inputs": [
      {"name": "marketId", "type": "uint256", "indexed": true},
      {"name": "creator", "type": "address", "indexed": true},
      {"name": "question", "type": "string", "indexed": false},
      {"name": "description", "type": "string", "indexed": false},
      {"name": "category", "type": "string", "indexed": false},
      {"name": "image", "type": "string", "indexed": false},
      {"name": "source", "type": "string", "indexed": false},
      {"name": "endTime", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "SharesBought",
    "anonymous": false,
    "inputs": [
      {"name": "marketId", "type": "uint256", "indexed": true},
      {"name": "buyer", "type": "address", "indexed": true},
      {"name": "isYes", "type": "bool", "indexed": false},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "MarketResolved",
    "anonymous": false,
    "inputs": [
      {"name": "marketId", "type": "uint256", "indexed": true},
      {"name": "outcome", "type": "bool", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "WinningsClaimed",
    "anonymous": false,
    "inputs": [
      {"name": "marketId", "type": "uint256", "indexed": true},
      {"name": "user", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false}
    ]
  },
  {
    "type": "event",
    "name": "MarketCancelled",
    "anonymous": false,
    "inputs": [
      {"name": "marketId", "type": "uint256", "indexed": true}
    ]
  }
]`
