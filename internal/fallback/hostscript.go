package fallback

// hostScript is the runtime host written next to downloaded scripts. It
// builds a minimal lx-style environment, loads the adapter script, asks it
// for a music URL, and prints a single JSON envelope on the last stdout line.
const hostScriptName = "run_external.js"

const hostScript = `// Runtime host for external source scripts.
// Usage: node run_external.js <scriptPath> <source> <songId> <quality> <infoJson>
// Prints a JSON envelope as the last stdout line: {"code":0,"data":"<url>"}.
'use strict';
const path = require('path');
const http = require('http');
const https = require('https');

function emit(obj) { console.log(JSON.stringify(obj)); }

if (process.argv.length < 7) {
  emit({ code: 2, msg: 'invalid args' });
  process.exit(0);
}
const [, , scriptPath, source, songId, quality, infoJson] = process.argv;

let musicInfo = {};
try { musicInfo = JSON.parse(infoJson || '{}'); } catch (e) { musicInfo = {}; }

function request(url, options, cb) {
  if (typeof options === 'function') { cb = options; options = {}; }
  try {
    const lib = url.startsWith('https') ? https : http;
    const req = lib.request(url, {
      method: options.method || 'GET',
      headers: options.headers || {},
    }, (res) => {
      const chunks = [];
      res.on('data', (c) => chunks.push(c));
      res.on('end', () => {
        const buf = Buffer.concat(chunks);
        let body;
        try { body = JSON.parse(buf.toString()); } catch { body = buf.toString(); }
        cb(null, { body, statusCode: res.statusCode, headers: res.headers });
      });
    });
    req.on('error', (err) => cb(err));
    if (options.body) req.write(options.body);
    req.end();
  } catch (err) { cb(err); }
}

const listeners = {};
const EVENT_NAMES = { request: 'request', inited: 'inited', updateAlert: 'updateAlert' };
globalThis.lx = {
  EVENT_NAMES,
  env: 'server',
  version: 'external',
  request,
  on: (name, cb) => { listeners[name] = cb; },
  send: async (name, payload) => {
    if (typeof listeners[name] === 'function') return await listeners[name](payload);
  },
  utils: {
    buffer: {
      from: (...args) => Buffer.from(...args),
      bufToString: (buf, enc) => buf.toString(enc),
    },
  },
};

try {
  require(path.resolve(scriptPath));
} catch (e) {
  emit({ code: 2, msg: 'require script error: ' + e.message });
  process.exit(0);
}

(async () => {
  try {
    const result = await lx.send(EVENT_NAMES.request, {
      action: 'musicUrl',
      source,
      info: {
        musicInfo: Object.assign({ songmid: songId, hash: songId }, musicInfo),
        type: quality,
      },
    });
    if (!result) emit({ code: 2, msg: 'no result' });
    else emit({ code: 0, data: result });
  } catch (err) {
    emit({ code: 2, msg: err && err.message ? err.message : String(err) });
  }
})();
`
